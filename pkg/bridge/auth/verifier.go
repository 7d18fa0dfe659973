package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"
)

// DefaultMaxSkew is the clock skew tolerated on signature created/expires.
const DefaultMaxSkew = 5 * time.Minute

// DefaultMaxSignatureAge bounds how long after created a signature is
// accepted, so a captured upgrade request cannot be replayed later.
const DefaultMaxSignatureAge = 5 * time.Minute

var (
	ErrMissingAPIKey      = errors.New("missing X-API-KEY header")
	ErrAPIKeyMismatch     = errors.New("X-API-KEY does not match")
	ErrMissingSignature   = errors.New("missing Signature or Signature-Input header")
	ErrMalformedSignature = errors.New("malformed signature headers")
	ErrSignatureMismatch  = errors.New("signature does not match")
	ErrSignatureExpired   = errors.New("signature outside its validity window")
	ErrUnsupportedAlg     = errors.New("unsupported signature algorithm")
	ErrKeyIDMismatch      = errors.New("signature keyid does not match the api key")
)

// Verifier authenticates AudioHook upgrade requests: an API key header and,
// when a client secret is configured, an HTTP message signature keyed by it.
type Verifier struct {
	apiKey  string
	secret  []byte
	maxSkew time.Duration
	maxAge  time.Duration
	now     func() time.Time
}

// NewVerifier takes the client secret as delivered by the AudioHook
// integration, base64 encoded. An empty secret disables signature checks.
func NewVerifier(apiKey, clientSecret string, maxSkew time.Duration) (*Verifier, error) {
	if apiKey == "" {
		return nil, errors.New("api key must not be empty")
	}
	v := &Verifier{apiKey: apiKey, maxSkew: maxSkew, maxAge: DefaultMaxSignatureAge, now: time.Now}
	if v.maxSkew <= 0 {
		v.maxSkew = DefaultMaxSkew
	}
	if clientSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(clientSecret)
		if err != nil {
			return nil, fmt.Errorf("client secret is not valid base64: %w", err)
		}
		v.secret = secret
	}
	return v, nil
}

// SignaturesEnabled reports whether a client secret was configured.
func (v *Verifier) SignaturesEnabled() bool { return len(v.secret) > 0 }

func (v *Verifier) Verify(r *http.Request) bool {
	return v.Check(r) == nil
}

// Check is Verify with the reason for a rejection.
func (v *Verifier) Check(r *http.Request) error {
	key := r.Header.Get("X-API-KEY")
	if key == "" {
		return ErrMissingAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(v.apiKey)) != 1 {
		return ErrAPIKeyMismatch
	}
	if !v.SignaturesEnabled() {
		return nil
	}
	return v.checkSignature(r)
}

func (v *Verifier) checkSignature(r *http.Request) error {
	inputValues := r.Header.Values("Signature-Input")
	sigValues := r.Header.Values("Signature")
	if len(inputValues) == 0 || len(sigValues) == 0 {
		return ErrMissingSignature
	}

	sigs, err := parseSignatures(sigValues)
	if err != nil {
		return err
	}
	inputs, err := parseSignatureInputs(inputValues)
	if err != nil {
		return err
	}

	var lastErr error = ErrMissingSignature
	for _, in := range inputs {
		sig, ok := sigs[in.label]
		if !ok {
			continue
		}
		if lastErr = v.checkOne(r, in, sig); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (v *Verifier) checkOne(r *http.Request, in signatureInput, sig []byte) error {
	if alg, ok := in.stringParam("alg"); ok && alg != "hmac-sha256" {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}
	if keyID, ok := in.stringParam("keyid"); ok && subtle.ConstantTimeCompare([]byte(keyID), []byte(v.apiKey)) != 1 {
		return ErrKeyIDMismatch
	}

	// created is mandatory and bounds the age of the signature whether or
	// not expires is sent.
	now := v.now()
	created, ok, err := in.timeParam("created")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: created missing", ErrMalformedSignature)
	}
	if created.After(now.Add(v.maxSkew)) || now.Sub(created) > v.maxAge+v.maxSkew {
		return ErrSignatureExpired
	}
	expires, ok, err := in.timeParam("expires")
	if err != nil {
		return err
	}
	if ok && now.Add(-v.maxSkew).After(expires) {
		return ErrSignatureExpired
	}

	base, err := signatureBase(r, in)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(base))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

type signatureInput struct {
	label      string
	components []string
	// raw is the canonical serialization of the inner list; it becomes
	// @signature-params.
	raw    string
	params *httpsfv.Params
}

func (in signatureInput) stringParam(name string) (string, bool) {
	if in.params == nil {
		return "", false
	}
	raw, ok := in.params.Get(name)
	if !ok {
		return "", false
	}
	switch val := raw.(type) {
	case string:
		return val, true
	case httpsfv.Token:
		return string(val), true
	default:
		return fmt.Sprint(val), true
	}
}

func (in signatureInput) timeParam(name string) (time.Time, bool, error) {
	if in.params == nil {
		return time.Time{}, false, nil
	}
	raw, ok := in.params.Get(name)
	if !ok {
		return time.Time{}, false, nil
	}
	secs, isInt := raw.(int64)
	if !isInt {
		return time.Time{}, false, fmt.Errorf("%w: %s is not an integer", ErrMalformedSignature, name)
	}
	return time.Unix(secs, 0), true, nil
}

// signatureBase builds the RFC 9421 signature base for the declared
// components.
func signatureBase(r *http.Request, in signatureInput) (string, error) {
	var b strings.Builder
	for _, c := range in.components {
		value, err := componentValue(r, c)
		if err != nil {
			return "", err
		}
		b.WriteString(strconv.Quote(c))
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
	}
	b.WriteString(`"@signature-params": `)
	b.WriteString(in.raw)
	return b.String(), nil
}

func componentValue(r *http.Request, name string) (string, error) {
	switch name {
	case "@method":
		return r.Method, nil
	case "@authority":
		return strings.ToLower(r.Host), nil
	case "@scheme":
		return requestScheme(r), nil
	case "@path":
		return r.URL.EscapedPath(), nil
	case "@query":
		return "?" + r.URL.RawQuery, nil
	case "@request-target":
		return r.URL.RequestURI(), nil
	case "@target-uri":
		return requestScheme(r) + "://" + strings.ToLower(r.Host) + r.URL.RequestURI(), nil
	}
	if strings.HasPrefix(name, "@") {
		return "", fmt.Errorf("%w: unsupported component %s", ErrMalformedSignature, name)
	}
	values := r.Header.Values(name)
	if len(values) == 0 {
		return "", fmt.Errorf("%w: signed header %s missing", ErrMalformedSignature, name)
	}
	for i := range values {
		values[i] = strings.TrimSpace(values[i])
	}
	return strings.Join(values, ", "), nil
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return strings.ToLower(proto)
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// parseSignatureInputs reads the Signature-Input dictionary. Every member
// must be an inner list of plain component names.
func parseSignatureInputs(values []string) ([]signatureInput, error) {
	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	var out []signatureInput
	for _, label := range dict.Names() {
		member, _ := dict.Get(label)
		list, ok := member.(httpsfv.InnerList)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an inner list", ErrMalformedSignature, label)
		}
		in := signatureInput{label: label, params: list.Params}
		for _, item := range list.Items {
			name, ok := item.Value.(string)
			if !ok || (item.Params != nil && len(item.Params.Names()) > 0) {
				return nil, fmt.Errorf("%w: unsupported component in %s", ErrMalformedSignature, label)
			}
			in.components = append(in.components, strings.ToLower(name))
		}
		if in.raw, err = httpsfv.Marshal(list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		}
		out = append(out, in)
	}
	if len(out) == 0 {
		return nil, ErrMalformedSignature
	}
	return out, nil
}

// parseSignatures reads the Signature dictionary of byte sequences.
func parseSignatures(values []string) (map[string][]byte, error) {
	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	out := make(map[string][]byte)
	for _, label := range dict.Names() {
		member, _ := dict.Get(label)
		item, ok := member.(httpsfv.Item)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an item", ErrMalformedSignature, label)
		}
		sig, ok := item.Value.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a byte sequence", ErrMalformedSignature, label)
		}
		out[label] = sig
	}
	return out, nil
}
