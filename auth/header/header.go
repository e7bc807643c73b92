// Package header parses the broker's Authorization header grammar:
//
//	auth      := native | sigv4
//	native    := "CreekApiV1" SP prefix "_" short "_" long
//	sigv4     := algo SP kv_list
//	algo      := "AWS4-" <alnum|->{5..}
//	kv_list   := kv ("," kv)*
//	kv        := key "=" value
//
// There's no parser-combinator library in play; this is a small
// hand-written scanner over regexp/strings, which is all two alternatives
// this shallow need.
package header

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates which alternative of the auth grammar a Header holds.
type Kind string

const (
	KindNative Kind = "native"
	KindSigV4  Kind = "sigv4"
)

// nativeScheme is the broker's own bearer scheme tag, CreekApiV1 (renamed
// from the upstream protocol's NerveMqApiV1; the wire grammar is
// unchanged).
const nativeScheme = "CreekApiV1"

// NativeCreds is the parsed form of native := "CreekApiV1" prefix "_"
// short "_" long.
type NativeCreds struct {
	Prefix string
	Short  string
	Long   string
}

// SigV4Creds is the parsed form of sigv4's Credential/SignedHeaders/
// Signature parameters.
type SigV4Creds struct {
	Algorithm     string
	AccessKey     string
	Date          string
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// Header is the parsed Authorization header, a sum of NativeCreds and
// SigV4Creds discriminated by Kind.
type Header struct {
	Kind   Kind
	Native NativeCreds
	SigV4  SigV4Creds
}

var (
	nativeRe     = regexp.MustCompile(`^([A-Za-z0-9]+)_([A-Za-z0-9]+)_([A-Za-z0-9]+)$`)
	algoRe       = regexp.MustCompile(`^AWS4-[A-Za-z0-9-]{5,}$`)
	credentialRe = regexp.MustCompile(`^([A-Za-z0-9]+)/([0-9]{8})/([A-Za-z0-9-]{4,})/([A-Za-z0-9-]{3,})/aws4_request$`)
)

// Parse parses the raw value of an Authorization header into a Header,
// failing with a descriptive error if the grammar doesn't match.
func Parse(raw string) (Header, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, " ")
	if !ok {
		return Header{}, fmt.Errorf("header: missing scheme separator")
	}
	rest = strings.TrimLeft(rest, " ")

	if scheme == nativeScheme {
		return parseNative(rest)
	}
	if algoRe.MatchString(scheme) {
		return parseSigV4(scheme, rest)
	}
	return Header{}, fmt.Errorf("header: unrecognized auth scheme %q", scheme)
}

func parseNative(rest string) (Header, error) {
	m := nativeRe.FindStringSubmatch(rest)
	if m == nil {
		return Header{}, fmt.Errorf("header: malformed %s credentials", nativeScheme)
	}
	return Header{
		Kind: KindNative,
		Native: NativeCreds{
			Prefix: m[1],
			Short:  m[2],
			Long:   m[3],
		},
	}, nil
}

func parseSigV4(algorithm, rest string) (Header, error) {
	kvs, err := parseKVList(rest)
	if err != nil {
		return Header{}, err
	}

	credential, ok := kvs["Credential"]
	if !ok {
		return Header{}, fmt.Errorf("header: missing Credential parameter")
	}
	signedHeadersRaw, ok := kvs["SignedHeaders"]
	if !ok {
		return Header{}, fmt.Errorf("header: missing SignedHeaders parameter")
	}
	signature, ok := kvs["Signature"]
	if !ok {
		return Header{}, fmt.Errorf("header: missing Signature parameter")
	}

	cm := credentialRe.FindStringSubmatch(credential)
	if cm == nil {
		return Header{}, fmt.Errorf("header: malformed Credential parameter")
	}

	signedHeaders := strings.Split(signedHeadersRaw, ";")
	for _, h := range signedHeaders {
		if len(h) < 2 {
			return Header{}, fmt.Errorf("header: malformed SignedHeaders parameter")
		}
	}

	return Header{
		Kind: KindSigV4,
		SigV4: SigV4Creds{
			Algorithm:     algorithm,
			AccessKey:     cm[1],
			Date:          cm[2],
			Region:        cm[3],
			Service:       cm[4],
			SignedHeaders: signedHeaders,
			Signature:     signature,
		},
	}, nil
}

// parseKVList parses "k1=v1,k2=v2,..." where no value contains whitespace.
// Unknown keys are ignored, per grammar.
func parseKVList(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("header: malformed parameter %q", part)
		}
		if strings.ContainsAny(v, " \t\r\n") {
			return nil, fmt.Errorf("header: parameter %q contains whitespace", k)
		}
		out[k] = v
	}
	return out, nil
}
