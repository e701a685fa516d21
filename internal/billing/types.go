package billing

import "time"

// VerifyRequest: тело запроса на проверку чека.
type VerifyRequest struct {
	Receipt   string `json:"receipt"`
	ProductID string `json:"productId"`
}

// VerifyResponse: ответ бэкенда на проверку чека.
// При отказе Valid=false и заполнено Reason (invalid, revoked, refunded и т.п.).
type VerifyResponse struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	ProductID string     `json:"productId,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Verification: результат проверки вместе с серверным временем ответа.
type Verification struct {
	VerifyResponse
	ServerTime time.Time // из заголовка Date, нулевое если заголовка нет
}
