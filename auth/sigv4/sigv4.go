// Package sigv4 implements verification of AWS Signature Version 4
// requests against a caller-supplied plaintext signing secret. It
// implements the server side of the algorithm: aws-sdk-go-v2 ships a
// signer for outbound client requests, but nothing in the pack exposes a
// reusable verifier, so this follows the published four-step SigV4
// algorithm directly against crypto/hmac and crypto/sha256.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const terminator = "aws4_request"

// DeriveSigningKey derives the SigV4 signing key from the plaintext
// secret, the credential scope's date (YYYYMMDD), region, and service.
func DeriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, terminator)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// CanonicalRequest builds the canonical request string for method/path/
// query/signedHeaders/bodyHash, per the SigV4 spec's first step. headers
// is the full request header set; only the names in signedHeaders are
// included, matched case-insensitively.
func CanonicalRequest(method, rawPath, rawQuery string, headers http.Header, signedHeaders []string, bodyHash string) string {
	canonicalHeaders, signedHeaderNames := canonicalizeHeaders(headers, signedHeaders)

	return strings.Join([]string{
		method,
		canonicalURI(rawPath),
		canonicalQueryString(rawQuery),
		canonicalHeaders,
		signedHeaderNames,
		bodyHash,
	}, "\n")
}

func canonicalURI(rawPath string) string {
	if rawPath == "" {
		return "/"
	}
	return rawPath
}

func canonicalQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		for _, v := range sorted {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalizeHeaders(headers http.Header, signedHeaders []string) (canonical, signedList string) {
	names := append([]string(nil), signedHeaders...)
	for i := range names {
		names[i] = strings.ToLower(strings.TrimSpace(names[i]))
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		values := headers.Values(http.CanonicalHeaderKey(name))
		joined := make([]string, len(values))
		for i, v := range values {
			joined[i] = strings.Join(strings.Fields(v), " ")
		}
		fmt.Fprintf(&b, "%s:%s\n", name, strings.Join(joined, ","))
	}

	return b.String(), strings.Join(names, ";")
}

// StringToSign builds step two of the algorithm: the canonical request's
// SHA-256 hash folded into the signable string.
func StringToSign(algorithm, amzDate, credentialScope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		algorithm,
		amzDate,
		credentialScope,
		hex.EncodeToString(hash[:]),
	}, "\n")
}

// Sign computes the hex-encoded signature of stringToSign under
// signingKey.
func Sign(signingKey []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
}

// Verify reports whether signature matches the signature Sign would
// produce, compared in constant time.
func Verify(signingKey []byte, stringToSign, signature string) bool {
	want := Sign(signingKey, stringToSign)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// CredentialScope builds the "date/region/service/aws4_request" segment
// used both in Credential and in StringToSign.
func CredentialScope(date, region, service string) string {
	return strings.Join([]string{date, region, service, terminator}, "/")
}
