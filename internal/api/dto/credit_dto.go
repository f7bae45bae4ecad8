package dto

type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

type DeductRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

type DeductResponse struct {
	NewBalance int64 `json:"new_balance"`
}

type CheckoutRequest struct {
	PackageID string `json:"package_id" binding:"required"`
}

type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

type UploadResponse struct {
	Key string `json:"key"`
	URL string `json:"url,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Balance *int64 `json:"balance,omitempty"`
}
