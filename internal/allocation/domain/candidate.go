package allocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Candidate is a proposed ledger write. It is one of AllocationCandidate,
// BankingCandidate or LapseCandidate, discriminated by Kind.
type Candidate interface {
	Kind() EntryKind
	// Draft validates the candidate and returns the normalized entry it would create.
	Draft() (Entry, error)
	isCandidate()
}

// AllocationCandidate proposes units flowing from a producer to a consumer.
type AllocationCandidate struct {
	ProducerID string     `json:"producer_id" validate:"required,excludes=#"`
	ConsumerID string     `json:"consumer_id" validate:"required,excludes=#"`
	Month      string     `json:"month" validate:"required"`
	Source     Source     `json:"source,omitempty" validate:"omitempty,oneof=production banking"`
	Allocated  RawBuckets `json:"allocated" validate:"required"`
}

// BankingCandidate proposes a banking credit (positive) or debit (negative) for a producer.
type BankingCandidate struct {
	ProducerID string     `json:"producer_id" validate:"required,excludes=#"`
	Month      string     `json:"month" validate:"required"`
	Credited   RawBuckets `json:"credited" validate:"required"`
}

// LapseCandidate proposes forfeiting unused units of a producer.
type LapseCandidate struct {
	ProducerID string     `json:"producer_id" validate:"required,excludes=#"`
	Month      string     `json:"month" validate:"required"`
	Lapsed     RawBuckets `json:"lapsed" validate:"required"`
}

func (AllocationCandidate) Kind() EntryKind { return KindAllocation }
func (BankingCandidate) Kind() EntryKind    { return KindBanking }
func (LapseCandidate) Kind() EntryKind      { return KindLapse }

func (AllocationCandidate) isCandidate() {}
func (BankingCandidate) isCandidate()    {}
func (LapseCandidate) isCandidate()      {}

// Draft implements Candidate.
func (c AllocationCandidate) Draft() (Entry, error) {
	if err := validateStruct(c); err != nil {
		return Entry{}, err
	}
	month, err := ParseMonthKey(c.Month)
	if err != nil {
		return Entry{}, err
	}
	if c.ProducerID == c.ConsumerID {
		return Entry{}, NewValidationError("consumer_id", "producer and consumer must differ")
	}
	if err := ValidateRaw("allocated", c.Allocated, false); err != nil {
		return Entry{}, err
	}
	buckets := NormalizeNonNegative(c.Allocated)
	if buckets.Total() == 0 {
		return Entry{}, NewValidationError("allocated", "allocation must carry units")
	}
	source := c.Source
	if source == "" {
		source = SourceProduction
	}
	return Entry{
		ID:         EntryID(KindAllocation, c.ProducerID, month, c.ConsumerID),
		Kind:       KindAllocation,
		ProducerID: c.ProducerID,
		ConsumerID: c.ConsumerID,
		Month:      month,
		Source:     source,
		Buckets:    buckets,
	}, nil
}

// Draft implements Candidate.
func (c BankingCandidate) Draft() (Entry, error) {
	if err := validateStruct(c); err != nil {
		return Entry{}, err
	}
	month, err := ParseMonthKey(c.Month)
	if err != nil {
		return Entry{}, err
	}
	if err := ValidateRaw("credited", c.Credited, true); err != nil {
		return Entry{}, err
	}
	buckets := NormalizeSigned(c.Credited)
	if buckets.IsZero() {
		return Entry{}, NewValidationError("credited", "banking entry must carry units")
	}
	return Entry{
		ID:         EntryID(KindBanking, c.ProducerID, month, ""),
		Kind:       KindBanking,
		ProducerID: c.ProducerID,
		Month:      month,
		Buckets:    buckets,
	}, nil
}

// Draft implements Candidate.
func (c LapseCandidate) Draft() (Entry, error) {
	if err := validateStruct(c); err != nil {
		return Entry{}, err
	}
	month, err := ParseMonthKey(c.Month)
	if err != nil {
		return Entry{}, err
	}
	if err := ValidateRaw("lapsed", c.Lapsed, false); err != nil {
		return Entry{}, err
	}
	buckets := NormalizeNonNegative(c.Lapsed)
	if buckets.Total() == 0 {
		return Entry{}, NewValidationError("lapsed", "lapse entry must carry units")
	}
	return Entry{
		ID:         EntryID(KindLapse, c.ProducerID, month, ""),
		Kind:       KindLapse,
		ProducerID: c.ProducerID,
		Month:      month,
		Buckets:    buckets,
	}, nil
}

// DecodeCandidate decodes a JSON object discriminated by its "kind" field.
func DecodeCandidate(data []byte) (Candidate, error) {
	var head struct {
		Kind EntryKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, NewValidationError("", "invalid json: "+err.Error())
	}
	var (
		candidate Candidate
		err       error
	)
	switch head.Kind {
	case KindAllocation:
		var c AllocationCandidate
		err = decodeStrict(data, &c)
		candidate = c
	case KindBanking:
		var c BankingCandidate
		err = decodeStrict(data, &c)
		candidate = c
	case KindLapse:
		var c LapseCandidate
		err = decodeStrict(data, &c)
		candidate = c
	case "":
		return nil, NewValidationError("kind", "required")
	default:
		return nil, NewValidationError("kind", fmt.Sprintf("unknown kind %q", head.Kind))
	}
	if err != nil {
		return nil, NewValidationError("", "invalid json: "+err.Error())
	}
	return candidate, nil
}

// DecodeCandidates decodes a JSON array of candidates. Elements that fail to
// decode are reported by index; the returned slice keeps nil at those positions.
func DecodeCandidates(data []byte) ([]Candidate, map[int]error, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, nil, NewValidationError("", "invalid json: "+err.Error())
	}
	out := make([]Candidate, len(raws))
	failed := make(map[int]error)
	for i, raw := range raws {
		c, err := DecodeCandidate(raw)
		if err != nil {
			failed[i] = err
			continue
		}
		out[i] = c
	}
	return out, failed, nil
}

// decodeStrict keeps numbers as json.Number so the normalizer sees exact values.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	return dec.Decode(v)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return NewValidationError(fe.Field(), describeTag(fe))
	}
	return NewValidationError("", err.Error())
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "excludes":
		return fmt.Sprintf("must not contain %q", fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return fe.Tag()
	}
}
