package payout

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Rail is a fiat transfer network.
type Rail string

const (
	RailUPI           Rail = "upi"
	RailPIX           Rail = "pix"
	RailSEPA          Rail = "sepa"
	RailStripeConnect Rail = "stripe_connect"
)

// Method is a merchant's payout destination. It is a closed union: UPI,
// PIX, SEPA and StripeConnect are the only implementations.
type Method interface {
	Rail() Rail
	// Currency is the ISO 4217 code the rail pays out in.
	Currency() string
	// Identifier is the rail-specific address, safe to log.
	Identifier() string
	Validate() error
	isMethod()
}

// UPI pays Indian rupees to a virtual payment address.
type UPI struct {
	VPA string `json:"vpa"`
}

// PIX pays Brazilian reais to a PIX key.
type PIX struct {
	Key     string `json:"key"`
	KeyType string `json:"keyType"` // cpf, cnpj, email, phone, evp
}

// SEPA pays euros to an IBAN.
type SEPA struct {
	IBAN   string `json:"iban"`
	BIC    string `json:"bic,omitempty"`
	Holder string `json:"holder"`
}

// StripeConnect pays a connected Stripe account.
type StripeConnect struct {
	AccountID string `json:"accountId"`
	Cur       string `json:"currency,omitempty"`
}

func (UPI) Rail() Rail           { return RailUPI }
func (PIX) Rail() Rail           { return RailPIX }
func (SEPA) Rail() Rail          { return RailSEPA }
func (StripeConnect) Rail() Rail { return RailStripeConnect }

func (UPI) Currency() string  { return "INR" }
func (PIX) Currency() string  { return "BRL" }
func (SEPA) Currency() string { return "EUR" }
func (s StripeConnect) Currency() string {
	if s.Cur == "" {
		return "USD"
	}
	return strings.ToUpper(s.Cur)
}

func (u UPI) Identifier() string           { return u.VPA }
func (p PIX) Identifier() string           { return p.KeyType + ":" + p.Key }
func (s SEPA) Identifier() string          { return maskIBAN(s.IBAN) }
func (s StripeConnect) Identifier() string { return s.AccountID }

func (UPI) isMethod()           {}
func (PIX) isMethod()           {}
func (SEPA) isMethod()          {}
func (StripeConnect) isMethod() {}

var (
	vpaPattern   = regexp.MustCompile(`^[a-zA-Z0-9.\-_]{2,256}@[a-zA-Z]{2,64}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+55\d{10,11}$`)
	digits       = regexp.MustCompile(`^\d+$`)
	ibanPattern  = regexp.MustCompile(`^[A-Z]{2}\d{2}[A-Z0-9]{11,30}$`)
	bicPattern   = regexp.MustCompile(`^[A-Z]{6}[A-Z0-9]{2}([A-Z0-9]{3})?$`)
)

func (u UPI) Validate() error {
	if !vpaPattern.MatchString(u.VPA) {
		return fmt.Errorf("%w: upi vpa %q", ErrInvalidMethod, u.VPA)
	}
	return nil
}

func (p PIX) Validate() error {
	ok := false
	switch p.KeyType {
	case "cpf":
		ok = len(p.Key) == 11 && digits.MatchString(p.Key)
	case "cnpj":
		ok = len(p.Key) == 14 && digits.MatchString(p.Key)
	case "email":
		ok = emailPattern.MatchString(p.Key)
	case "phone":
		ok = phonePattern.MatchString(p.Key)
	case "evp":
		_, err := uuid.Parse(p.Key)
		ok = err == nil
	}
	if !ok {
		return fmt.Errorf("%w: pix %s key %q", ErrInvalidMethod, p.KeyType, p.Key)
	}
	return nil
}

func (s SEPA) Validate() error {
	iban := normalizeIBAN(s.IBAN)
	if !ibanPattern.MatchString(iban) || !ibanChecksumOK(iban) {
		return fmt.Errorf("%w: sepa iban", ErrInvalidMethod)
	}
	if s.BIC != "" && !bicPattern.MatchString(strings.ToUpper(s.BIC)) {
		return fmt.Errorf("%w: sepa bic %q", ErrInvalidMethod, s.BIC)
	}
	if strings.TrimSpace(s.Holder) == "" {
		return fmt.Errorf("%w: sepa holder required", ErrInvalidMethod)
	}
	return nil
}

func (s StripeConnect) Validate() error {
	if !strings.HasPrefix(s.AccountID, "acct_") || len(s.AccountID) < 10 {
		return fmt.Errorf("%w: stripe account %q", ErrInvalidMethod, s.AccountID)
	}
	return nil
}

func normalizeIBAN(iban string) string {
	return strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
}

// ibanChecksumOK applies the ISO 13616 mod-97 check.
func ibanChecksumOK(iban string) bool {
	rearranged := iban[4:] + iban[:4]
	var sb strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			fmt.Fprintf(&sb, "%d", r-'A'+10)
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(sb.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func maskIBAN(iban string) string {
	iban = normalizeIBAN(iban)
	if len(iban) <= 8 {
		return iban
	}
	return iban[:4] + strings.Repeat("*", len(iban)-8) + iban[len(iban)-4:]
}

// Destination carries a Method through JSON as {"rail": ..., <fields>}.
type Destination struct {
	Method
}

// MarshalJSON implements json.Marshaler.
func (d Destination) MarshalJSON() ([]byte, error) {
	if d.Method == nil {
		return []byte("null"), nil
	}
	fields, err := json.Marshal(d.Method)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	m["rail"] = d.Method.Rail()
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Destination) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		d.Method = nil
		return nil
	}
	var head struct {
		Rail Rail `json:"rail"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	var m Method
	switch head.Rail {
	case RailUPI:
		var v UPI
		err := json.Unmarshal(b, &v)
		m = v
		if err != nil {
			return err
		}
	case RailPIX:
		var v PIX
		err := json.Unmarshal(b, &v)
		m = v
		if err != nil {
			return err
		}
	case RailSEPA:
		var v SEPA
		err := json.Unmarshal(b, &v)
		m = v
		if err != nil {
			return err
		}
	case RailStripeConnect:
		var v StripeConnect
		err := json.Unmarshal(b, &v)
		m = v
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedRail, head.Rail)
	}
	d.Method = m
	return nil
}
