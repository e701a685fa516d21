package models

import "time"

// EntitlementView: представление прав пользователя для клиентов API.
// Чек наружу не отдаётся.
type EntitlementView struct {
	Status         Status     `json:"status" example:"active"`
	Entitled       bool       `json:"entitled" example:"true"`
	ProductID      string     `json:"productId,omitempty" example:"premium_monthly"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Source         Source     `json:"source" example:"backend"`
	LastVerifiedAt time.Time  `json:"lastVerifiedAt"`
}

// View строит представление записи для API.
func (r SubscriptionRecord) View() EntitlementView {
	return EntitlementView{
		Status:         r.Status,
		Entitled:       r.Status.Entitled(),
		ProductID:      r.ProductID,
		ExpiresAt:      r.ExpiresAt,
		Source:         r.Source,
		LastVerifiedAt: r.LastVerifiedAt,
	}
}
