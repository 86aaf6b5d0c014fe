package storagesync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const defaultS3RequestTimeout = 10 * time.Second

// S3Config points the uploader at an S3-compatible bucket.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

// NewS3Uploader returns an uploader that PUTs objects with AWS SigV4
// signatures. Without a bucket or endpoint it returns a disabled no-op.
func NewS3Uploader(cfg S3Config) Uploader {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultS3RequestTimeout
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return noopUploader{}
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	host := endpoint
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			host = parsed.Host
		}
	}
	if host == "" {
		return noopUploader{}
	}
	cfg.Bucket = bucket
	return &s3Uploader{
		cfg:        cfg,
		endpoint:   &url.URL{Scheme: scheme, Host: host},
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type s3Uploader struct {
	cfg        S3Config
	endpoint   *url.URL
	httpClient *http.Client
}

func (u *s3Uploader) Enabled() bool { return true }

func (u *s3Uploader) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	finalKey := u.applyPrefix(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.objectURL(finalKey).String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// Live playlists change every segment; players must not cache them.
	if strings.HasSuffix(finalKey, ".m3u8") {
		req.Header.Set("Cache-Control", "no-cache")
	}
	u.signRequest(req, hashSHA256Hex(body))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload object %s: unexpected status %d", finalKey, resp.StatusCode)
	}
	return u.publicURL(finalKey), nil
}

func (u *s3Uploader) Delete(ctx context.Context, key string) error {
	finalKey := u.applyPrefix(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.objectURL(finalKey).String(), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	u.signRequest(req, emptyPayloadHash)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return fmt.Errorf("delete object %s: unexpected status %d", finalKey, resp.StatusCode)
}

func (u *s3Uploader) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(u.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	return prefix + "/" + trimmed
}

func (u *s3Uploader) objectURL(finalKey string) *url.URL {
	p := "/" + strings.TrimLeft(u.cfg.Bucket, "/")
	if k := strings.TrimLeft(finalKey, "/"); k != "" {
		p += "/" + k
	}
	out := *u.endpoint
	out.Path = p
	return &out
}

// publicURL prefers the configured public endpoint and falls back to the
// path-style object URL.
func (u *s3Uploader) publicURL(finalKey string) string {
	if base := strings.TrimSpace(u.cfg.PublicEndpoint); base != "" {
		return joinURL(base, finalKey)
	}
	return u.objectURL(finalKey).String()
}

// signRequest adds AWS SigV4 headers. Requests go out unsigned when no
// credentials are configured.
func (u *s3Uploader) signRequest(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(u.cfg.AccessKey)
	secretKey := strings.TrimSpace(u.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	region := strings.TrimSpace(u.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)

	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	sum := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(sum[:]),
	}, "\n")
	signature := hex.EncodeToString(hmacSHA256(deriveSigningKey(secretKey, dateStamp, region), []byte(stringToSign)))
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, scope, signedHeaders, signature,
	))
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headers := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headers[lower] = cleaned
	}
	if _, ok := headers["host"]; !ok && req.Host != "" {
		headers["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(strings.Join(headers[key], ","))
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(keys, ";")
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func canonicalQuery(u *url.URL) string {
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		sort.Strings(values[key])
		for _, v := range values[key] {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

var emptyPayloadHash = hashSHA256Hex(nil)

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
