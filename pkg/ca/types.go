package ca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// API paths served by the CA.
const (
	PathPublicCertificate = "/public-certificate"
	PathIssue             = "/issue"
	PathVerify            = "/verify"
)

// Multipart form fields of an issue request.
const (
	FormFieldDID       = "did"
	FormFieldPublicKey = "public_key"
)

// Issuer is the CA surface the certificate lifecycle depends on. Client
// talks to a remote CA over HTTP; localca.Authority serves in-process.
type Issuer interface {
	FetchRootCertificate(ctx context.Context) ([]byte, error)
	IssueCertificate(ctx context.Context, did string, publicKeyPEM []byte) (*IssueResponse, error)
	VerifyCertificate(ctx context.Context, certPEM []byte) (*VerifyResponse, error)
}

// RootResponse is the body of GET /public-certificate.
type RootResponse struct {
	Certificate string `json:"certificate"`
}

// IssueResponse is the body of POST /issue.
type IssueResponse struct {
	Certificate  string     `json:"certificate"`
	ExpiresAt    *Timestamp `json:"expires_at,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	Certificate string `json:"certificate"`
}

// VerifyResponse is the body of a POST /verify reply.
type VerifyResponse struct {
	Valid     bool       `json:"valid"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *Timestamp `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Timestamp decodes the expiry formats CAs emit: RFC 3339 with or without a
// zone (zone-less values are UTC) and Unix seconds.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, normalised to UTC.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.UTC()}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		if secs, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			ts.Time = time.Unix(secs, 0).UTC()
			return nil
		}
		secs, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("parse unix timestamp %s: %w", data, err)
		}
		ts.Time = time.Unix(0, int64(secs*float64(time.Second))).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// TimeOrZero returns the wrapped time, or the zero time for a nil pointer.
func (ts *Timestamp) TimeOrZero() time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.Time
}
