package model

// Tenant is a municipality account, the unit of data isolation.
type Tenant struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Slug string `json:"slug"`
	Name string `json:"name,omitempty"`
}
