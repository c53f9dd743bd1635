package transcript

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Strategy is one way of obtaining a raw caption payload. The payload is
// not trusted until the classifier has seen it.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, videoID string, langs []string, creds Credentials) (*Response, error)
}

// Credential sources.
const (
	CredentialsNone       = "none"
	CredentialsCookieFile = "cookie_file"
	CredentialsBrowser    = "browser"
)

// Credentials selects how authenticated requests are made.
type Credentials struct {
	Source     string
	CookieFile string
	Browser    string
}

// LoadCookieFile reads a Netscape-format cookie file (as exported by
// browser extensions and yt-dlp) into a cookie jar.
func LoadCookieFile(path string) (http.CookieJar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookie file: %w", err)
	}
	defer f.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	byHost := make(map[string][]*http.Cookie)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		httpOnly := false
		if rest, ok := strings.CutPrefix(line, "#HttpOnly_"); ok {
			line, httpOnly = rest, true
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		domain := fields[0]
		c := &http.Cookie{
			Name:     fields[5],
			Value:    fields[6],
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			HttpOnly: httpOnly,
		}
		if strings.HasPrefix(domain, ".") {
			c.Domain = domain
		}
		if exp, err := strconv.ParseInt(fields[4], 10, 64); err == nil && exp > 0 {
			c.Expires = time.Unix(exp, 0)
		}
		host := strings.TrimPrefix(domain, ".")
		byHost[host] = append(byHost[host], c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}

	for host, cookies := range byHost {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, cookies)
	}
	return jar, nil
}
