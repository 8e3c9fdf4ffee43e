// Package apras talks to the APRAS authority that issues Sortir! cards.
// It owns the resilient call policy: bounded timeouts, retries on server
// errors, a shared circuit breaker and a negative-result cache that blunts
// brute-force probing of card numbers.
package apras

// CheckResult is a successful eligibility verification.
type CheckResult struct {
	// ServiceKey must be presented later to submit the grant.
	ServiceKey string
	// Beneficiary is optional prefill data; also cached for a short period
	// under the card suffix.
	Beneficiary *Beneficiary
}

// Beneficiary mirrors the `inscrit` object of the verification response.
type Beneficiary struct {
	ID        int    `json:"id"`
	LastName  string `json:"nom"`
	FirstName string `json:"prenom"`
	BirthDate string `json:"date_naissance,omitempty"`
}

// GrantReceipt mirrors the grant response. Amounts are informational only;
// nothing in this service computes with them.
type GrantReceipt struct {
	ID             int     `json:"id"`
	RequestedAt    string  `json:"date_demande"`
	ActivityAmount float64 `json:"montant_activite"`
	AidAmount      float64 `json:"montant_aide"`
	SportCouponAid float64 `json:"aide_coupon_sport"`
	OtherAid       float64 `json:"aide_autres"`
	AdditionalAid  float64 `json:"aide_additionnelle"`
}

type checkResponse struct {
	ServiceKey  string       `json:"cle_service"`
	Beneficiary *Beneficiary `json:"inscrit,omitempty"`
}

type grantRequest struct {
	Token      string `json:"token"`
	ActivityID int    `json:"activite,omitempty"`
}
