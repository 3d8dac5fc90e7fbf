package sponsorship

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrCampaignNotFound   = Err("campaign not found")
	ErrProfileNotFound    = Err("profile not found")
	ErrPaymentNotFound    = Err("payment not found")
	ErrInsufficientBudget = Err("insufficient campaign budget")
	ErrDuplicateCampaign  = Err("campaign already exists")
	ErrDuplicateProfile   = Err("profile already exists")
	ErrStatusRegression   = Err("settled payment cannot be downgraded to failed")

	ErrSponsoredAPINotFound  = Err("sponsored api not found")
	ErrDuplicateSponsoredAPI = Err("sponsored api already exists")
)
