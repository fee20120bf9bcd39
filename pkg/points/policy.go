package points

import "fmt"

// PolicyKind says which direction a policy moves the balance.
type PolicyKind string

const (
	PolicyCredit PolicyKind = "credit"
	PolicyDebit  PolicyKind = "debit"
)

// Policy is a named, fixed-price business operation. Amount is always
// positive; Kind determines the sign applied by the façade. Policies are
// configuration data, never user input: the catalog is the only way a caller
// can price an operation short of the privileged explicit-amount path.
type Policy struct {
	Name        string
	Kind        PolicyKind
	Amount      int64
	Description string
	Type        TransactionType
}

// Catalog maps policy names to their amounts and descriptions.
type Catalog struct {
	policies map[string]Policy
	order    []string
}

// NewCatalog validates each policy and builds a Catalog.
func NewCatalog(policies ...Policy) (*Catalog, error) {
	catalog := &Catalog{policies: make(map[string]Policy, len(policies))}
	for _, policy := range policies {
		if policy.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidPolicy)
		}
		if policy.Amount <= 0 {
			return nil, fmt.Errorf("%w: %s amount must be positive", ErrInvalidPolicy, policy.Name)
		}
		if policy.Kind != PolicyCredit && policy.Kind != PolicyDebit {
			return nil, fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidPolicy, policy.Name, policy.Kind)
		}
		if !policy.Type.Valid() {
			return nil, fmt.Errorf("%w: %s has unknown type %q", ErrInvalidPolicy, policy.Name, policy.Type)
		}
		if _, exists := catalog.policies[policy.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate name %s", ErrInvalidPolicy, policy.Name)
		}
		catalog.policies[policy.Name] = policy
		catalog.order = append(catalog.order, policy.Name)
	}
	return catalog, nil
}

// Resolve returns the policy registered under name.
func (catalog *Catalog) Resolve(name string) (Policy, error) {
	policy, exists := catalog.policies[name]
	if !exists {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return policy, nil
}

// List returns all policies in registration order, for cost display.
func (catalog *Catalog) List() []Policy {
	listed := make([]Policy, 0, len(catalog.order))
	for _, name := range catalog.order {
		listed = append(listed, catalog.policies[name])
	}
	return listed
}

// Well-known policy names used by the façade's compound operations.
const (
	PolicySignupBonus   = "signup_bonus"
	PolicyReferralBonus = "referral_bonus"
)

// DefaultCatalog returns the product's point pricing.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(
		Policy{Name: PolicySignupBonus, Kind: PolicyCredit, Amount: 1000, Description: "Signup welcome bonus", Type: TypeBonus},
		Policy{Name: PolicyReferralBonus, Kind: PolicyCredit, Amount: 500, Description: "Referral reward", Type: TypeReferral},
		Policy{Name: "landing_page", Kind: PolicyDebit, Amount: 1000, Description: "Landing page generation", Type: TypeUse},
		Policy{Name: "thumbnail", Kind: PolicyDebit, Amount: 200, Description: "Thumbnail image generation", Type: TypeUse},
		Policy{Name: "copy_rewrite", Kind: PolicyDebit, Amount: 100, Description: "Section copy rewrite", Type: TypeUse},
	)
	if err != nil {
		panic(err)
	}
	return catalog
}
