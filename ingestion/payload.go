package ingestion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fabfab/sales-rag/domain"
)

// PayloadKind names the shapes an integration download response can take.
type PayloadKind string

const (
	PayloadDirectBuffer       PayloadKind = "DirectBuffer"
	PayloadBase64String       PayloadKind = "Base64String"
	PayloadNestedContentField PayloadKind = "NestedContentField"
	PayloadRemoteURLPointer   PayloadKind = "RemoteURLPointer"
)

const maxPayloadDepth = 4

var (
	urlFields     = []string{"url", "downloadUrl", "download_url", "s3url", "s3Url", "s3_url", "signedUrl"}
	contentFields = []string{"content", "data", "file", "fileContent", "body", "buffer"}
)

// Payload is a decoded download response. Exactly one of Data, URL or Inner
// is set, depending on Kind.
type Payload struct {
	Kind  PayloadKind
	Data  []byte
	URL   string
	Field string
	Inner *Payload
}

// DecodePayload matches raw against the known variants in order: byte array,
// Node-style {"type":"Buffer"} object, base64 or URL string, URL pointer
// object, then a nested content field.
func DecodePayload(raw json.RawMessage) (*Payload, error) {
	return decodePayload(raw, 0)
}

func decodePayload(raw json.RawMessage, depth int) (*Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &domain.UnrecognizedPayloadShapeError{}
	}

	switch raw[0] {
	case '[':
		var data []byte
		if err := decodeByteArray(raw, &data); err != nil {
			return nil, &domain.UnrecognizedPayloadShapeError{}
		}
		return &Payload{Kind: PayloadDirectBuffer, Data: data}, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &domain.UnrecognizedPayloadShapeError{}
		}
		return decodeString(s)
	case '{':
		return decodeObject(raw, depth)
	default:
		return nil, &domain.UnrecognizedPayloadShapeError{}
	}
}

func decodeObject(raw json.RawMessage, depth int) (*Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &domain.UnrecognizedPayloadShapeError{}
	}

	if typ, ok := fields["type"]; ok {
		var name string
		if json.Unmarshal(typ, &name) == nil && name == "Buffer" {
			var data []byte
			if err := decodeByteArray(fields["data"], &data); err == nil {
				return &Payload{Kind: PayloadDirectBuffer, Data: data}, nil
			}
		}
	}

	for _, key := range urlFields {
		value, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(value, &s) == nil && isRemoteURL(s) {
			return &Payload{Kind: PayloadRemoteURLPointer, URL: strings.TrimSpace(s)}, nil
		}
	}

	if depth < maxPayloadDepth {
		for _, key := range contentFields {
			value, ok := fields[key]
			if !ok {
				continue
			}
			inner, err := decodePayload(value, depth+1)
			if err != nil {
				continue
			}
			return &Payload{Kind: PayloadNestedContentField, Field: key, Inner: inner}, nil
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return nil, &domain.UnrecognizedPayloadShapeError{Keys: keys}
}

func decodeString(s string) (*Payload, error) {
	s = strings.TrimSpace(s)
	if isRemoteURL(s) {
		return &Payload{Kind: PayloadRemoteURLPointer, URL: s}, nil
	}
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ";base64,"); idx >= 0 {
			s = s[idx+len(";base64,"):]
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(s); err == nil && len(data) > 0 {
			return &Payload{Kind: PayloadBase64String, Data: data}, nil
		}
	}
	return nil, &domain.UnrecognizedPayloadShapeError{}
}

// decodeByteArray accepts a JSON array of integers in 0..255.
func decodeByteArray(raw json.RawMessage, out *[]byte) error {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return err
	}
	data := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, v)
		}
		data[i] = byte(v)
	}
	*out = data
	return nil
}

func isRemoteURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

// PayloadFetcher turns a decoded payload into bytes, downloading remote
// pointers with a bounded client. By default downloads may only reach public
// addresses; every dial, redirects included, is checked after DNS resolution.
type PayloadFetcher struct {
	client       *http.Client
	maxBytes     int64
	allowedHosts map[string]bool
}

type FetcherOption func(*fetcherOptions)

type fetcherOptions struct {
	allowPrivate bool
	allowedHosts []string
}

// WithPrivateAddresses lets downloads reach loopback, private and link-local
// addresses.
func WithPrivateAddresses() FetcherOption {
	return func(o *fetcherOptions) { o.allowPrivate = true }
}

// WithAllowedHosts restricts downloads to the given host names. An empty list
// allows any host.
func WithAllowedHosts(hosts ...string) FetcherOption {
	return func(o *fetcherOptions) { o.allowedHosts = append(o.allowedHosts, hosts...) }
}

var errBlockedAddress = errors.New("address is not publicly routable")

func NewPayloadFetcher(timeout time.Duration, maxBytes int64, opts ...FetcherOption) *PayloadFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var o fetcherOptions
	for _, opt := range opts {
		opt(&o)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !o.allowPrivate {
		dialer.Control = publicAddressOnly
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	f := &PayloadFetcher{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		maxBytes: maxBytes,
	}
	if len(o.allowedHosts) > 0 {
		f.allowedHosts = make(map[string]bool, len(o.allowedHosts))
		for _, h := range o.allowedHosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				f.allowedHosts[h] = true
			}
		}
	}
	return f
}

func publicAddressOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, errBlockedAddress)
	}
	if !isPublicAddr(ip.Unmap()) {
		return fmt.Errorf("dial %s: %w", address, errBlockedAddress)
	}
	return nil
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func isPublicAddr(ip netip.Addr) bool {
	return ip.IsValid() &&
		!ip.IsLoopback() &&
		!ip.IsPrivate() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() &&
		!ip.IsInterfaceLocalMulticast() &&
		!ip.IsMulticast() &&
		!ip.IsUnspecified() &&
		!sharedAddressSpace.Contains(ip)
}

// Bytes returns the file content carried by p.
func (f *PayloadFetcher) Bytes(ctx context.Context, p *Payload) ([]byte, error) {
	for p != nil && p.Kind == PayloadNestedContentField {
		p = p.Inner
	}
	if p == nil {
		return nil, &domain.UnrecognizedPayloadShapeError{}
	}

	switch p.Kind {
	case PayloadDirectBuffer, PayloadBase64String:
		return p.Data, nil
	case PayloadRemoteURLPointer:
		return f.download(ctx, p.URL)
	default:
		return nil, &domain.UnrecognizedPayloadShapeError{}
	}
}

func (f *PayloadFetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Hostname() == "" {
		return nil, fmt.Errorf("download payload: invalid url: %w", domain.ErrInvalidInput)
	}
	if f.allowedHosts != nil && !f.allowedHosts[strings.ToLower(target.Hostname())] {
		return nil, fmt.Errorf("download payload: host %s not allowed: %w", target.Hostname(), domain.ErrInvalidInput)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, errBlockedAddress) {
			return nil, fmt.Errorf("download payload: %w: %w", err, domain.ErrInvalidInput)
		}
		return nil, fmt.Errorf("download payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download payload: status %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("download payload: exceeds %d bytes: %w", f.maxBytes, domain.ErrInvalidInput)
	}
	return data, nil
}
