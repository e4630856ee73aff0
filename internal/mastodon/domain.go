package mastodon

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeDomain はユーザーが入力したサーバー名をホスト名に正規化する。
// "https://Mastodon.Social/" や "@alice@mastodon.social" も受け付ける。
func NormalizeDomain(input string) (string, error) {
	s := strings.TrimSpace(input)
	if i := strings.LastIndex(s, "@"); i >= 0 && !strings.Contains(s, "://") {
		s = s[i+1:]
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", input, err)
	}
	host := strings.ToLower(u.Host)
	if host == "" || u.User != nil || strings.ContainsAny(host, " /?#") {
		return "", fmt.Errorf("invalid domain %q", input)
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("invalid domain %q: unexpected path", input)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("invalid domain %q: unexpected query", input)
	}
	return host, nil
}
