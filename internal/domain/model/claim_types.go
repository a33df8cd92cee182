package model

type ClaimSource string

const (
	SourceWeb     ClaimSource = "web"
	SourceMiniApp ClaimSource = "mini_app"
	SourceMobile  ClaimSource = "mobile"
	SourceWelcome ClaimSource = "welcome"
)

func (s ClaimSource) String() string {
	return string(s)
}

func (s ClaimSource) Valid() bool {
	switch s {
	case SourceWeb, SourceMiniApp, SourceMobile, SourceWelcome:
		return true
	}
	return false
}

type WalletPurpose string

const (
	PurposeWeb     WalletPurpose = "web"
	PurposeMiniApp WalletPurpose = "mini_app"
	PurposeMobile  WalletPurpose = "mobile"
	PurposeWelcome WalletPurpose = "welcome"
)

func (p WalletPurpose) String() string {
	return string(p)
}

// PurposeForSource maps a claim source onto the wallet purpose that funds it.
func PurposeForSource(s ClaimSource) WalletPurpose {
	switch s {
	case SourceMiniApp:
		return PurposeMiniApp
	case SourceMobile:
		return PurposeMobile
	case SourceWelcome:
		return PurposeWelcome
	default:
		return PurposeWeb
	}
}

type FailureStatus string

const (
	StatusQueued                  FailureStatus = "queued"
	StatusProcessing              FailureStatus = "processing"
	StatusRetryScheduled          FailureStatus = "retry_scheduled"
	StatusSuccess                 FailureStatus = "success"
	StatusSuccessDuplicate        FailureStatus = "success_duplicate"
	StatusFailed                  FailureStatus = "failed"
	StatusBannedUser              FailureStatus = "banned_user"
	StatusAlreadyClaimedByAddress FailureStatus = "already_claimed_by_address"
	StatusAlreadyClaimedByFID     FailureStatus = "already_claimed_by_fid"
	StatusAlreadyClaimedByUser    FailureStatus = "already_claimed_by_user"
	StatusMaxRetriesExceeded      FailureStatus = "max_retries_exceeded"
)

func (s FailureStatus) String() string {
	return string(s)
}

// Terminal reports whether the status ends processing for the failure:
// no further retries are scheduled once a terminal status is reached.
func (s FailureStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusSuccessDuplicate, StatusFailed, StatusBannedUser,
		StatusAlreadyClaimedByAddress, StatusAlreadyClaimedByFID,
		StatusAlreadyClaimedByUser, StatusMaxRetriesExceeded:
		return true
	}
	return false
}
