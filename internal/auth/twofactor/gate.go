// Package twofactor models second-factor standing as an explicit state
// machine with one authoritative status function, instead of scattering
// cookie and row checks across handlers.
package twofactor

import (
	"context"
	"errors"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/session"
)

// State is where an identity stands in the second-factor protocol.
//
//	NO_SESSION -> SESSION_NO_2FA_SETUP -> SESSION_2FA_PENDING -> SESSION_2FA_VERIFIED
//
// VERIFIED reverts to PENDING when the assertion cookie lapses; the setup
// state is visited at most once per identity per realm.
type State string

const (
	StateNoSession     State = "NO_SESSION"
	StateSetupRequired State = "SESSION_NO_2FA_SETUP"
	StatePending       State = "SESSION_2FA_PENDING"
	StateVerified      State = "SESSION_2FA_VERIFIED"
)

// Secret is one identity's enrolled TOTP secret in one realm. Verified
// flips false→true exactly once and the secret is never rotated here.
type Secret struct {
	OwnerID      string
	Realm        string
	SecretBase32 string
	Verified     bool
}

var ErrSecretNotFound = errors.New("two-factor secret not found")

// SecretStore persists enrolled secrets. Create must be first-writer-wins
// so that two racing status checks converge on a single secret.
type SecretStore interface {
	Get(ctx context.Context, realm, ownerID string) (Secret, error)
	Create(ctx context.Context, sec Secret) error
	MarkVerified(ctx context.Context, realm, ownerID string) error
}

// CodeEngine is the slice of the TOTP engine the gate needs.
type CodeEngine interface {
	GenerateSecret() (string, error)
	ProvisioningURI(secret, email string) (string, error)
	QRCodeDataURI(secret, email string) (string, error)
	Validate(secret, code string) bool
}

// Status is the gate's answer for one request. Provisioning material is
// populated only while enrollment is incomplete.
type Status struct {
	State           State  `json:"state"`
	SecretBase32    string `json:"secret,omitempty"`
	ProvisioningURI string `json:"provisioning_uri,omitempty"`
	QRCodeDataURI   string `json:"qr_code,omitempty"`
}

type Gate struct {
	store SecretStore
	codes CodeEngine
}

func NewGate(store SecretStore, codes CodeEngine) *Gate {
	return &Gate{store: store, codes: codes}
}

// Evaluate computes the current state. Checking status for an identity
// that has no secret enrolls one as a side effect and hands back the QR
// and manual secret; an unverified secret keeps returning its material so
// an interrupted setup can resume.
func (g *Gate) Evaluate(ctx context.Context, realm auth.Realm, claims *session.Claims, asserted bool) (Status, error) {
	if claims == nil {
		return Status{State: StateNoSession}, nil
	}
	sec, err := g.store.Get(ctx, string(realm), claims.SubjectID)
	if errors.Is(err, ErrSecretNotFound) {
		fresh, genErr := g.codes.GenerateSecret()
		if genErr != nil {
			return Status{}, genErr
		}
		if err := g.store.Create(ctx, Secret{OwnerID: claims.SubjectID, Realm: string(realm), SecretBase32: fresh}); err != nil {
			return Status{}, err
		}
		// Re-read so a racing creator and we agree on the secret.
		sec, err = g.store.Get(ctx, string(realm), claims.SubjectID)
		if err != nil {
			return Status{}, err
		}
		return g.withProvisioning(Status{State: StateSetupRequired}, sec, claims.Email)
	}
	if err != nil {
		return Status{}, err
	}
	if !sec.Verified {
		return g.withProvisioning(Status{State: StatePending}, sec, claims.Email)
	}
	if asserted {
		return Status{State: StateVerified}, nil
	}
	return Status{State: StatePending}, nil
}

func (g *Gate) withProvisioning(st Status, sec Secret, email string) (Status, error) {
	uri, err := g.codes.ProvisioningURI(sec.SecretBase32, email)
	if err != nil {
		return Status{}, err
	}
	qr, err := g.codes.QRCodeDataURI(sec.SecretBase32, email)
	if err != nil {
		return Status{}, err
	}
	st.SecretBase32 = sec.SecretBase32
	st.ProvisioningURI = uri
	st.QRCodeDataURI = qr
	return st, nil
}

// VerifyCode is the PENDING→VERIFIED transition. A correct code for a
// not-yet-verified secret also completes enrollment, permanently. Wrong,
// malformed, and no-secret cases are uniformly auth.ErrTwoFactorInvalid.
func (g *Gate) VerifyCode(ctx context.Context, realm auth.Realm, claims session.Claims, code string) error {
	sec, err := g.store.Get(ctx, string(realm), claims.SubjectID)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return auth.ErrTwoFactorInvalid
		}
		return err
	}
	if !g.codes.Validate(sec.SecretBase32, code) {
		return auth.ErrTwoFactorInvalid
	}
	if !sec.Verified {
		if err := g.store.MarkVerified(ctx, string(realm), claims.SubjectID); err != nil {
			return err
		}
	}
	return nil
}
