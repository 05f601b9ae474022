package source

import (
	"encoding/hex"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"tubefm/model"

	"golang.org/x/crypto/blake2b"
)

// Source 规范化后的音频来源
type Source struct {
	Canonical string         // 用于计算缓存键的规范字符串
	FetchURL  string         // 交给 yt-dlp 的地址
	Key       model.CacheKey // hex(BLAKE2b-256(Canonical))
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
}

// IsVideoID s 是否像 11 位的 YouTube 视频 ID
func IsVideoID(s string) bool {
	return videoIDPattern.MatchString(s)
}

// FromVideoID 根据视频 ID 构建来源
func FromVideoID(id string) (Source, error) {
	if !IsVideoID(id) {
		return Source{}, model.Errorf(model.KindInvalidSource, "normalize", "invalid video id %q", id)
	}
	return youtube(id), nil
}

// Normalize 把请求字符串映射为规范化来源，同一视频的不同写法得到相同的 key
func Normalize(raw string) (Source, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Source{}, model.Errorf(model.KindInvalidSource, "normalize", "empty source")
	}
	if IsVideoID(s) {
		return youtube(s), nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Source{}, model.NewError(model.KindInvalidSource, "normalize", err, "")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Source{}, model.Errorf(model.KindInvalidSource, "normalize", "unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Source{}, model.Errorf(model.KindInvalidSource, "normalize", "missing host")
	}

	if id, ok := youtubeID(host, u); ok {
		return youtube(id), nil
	}

	return generic(scheme, host, u), nil
}

// KeyOf 对规范化字符串做哈希得到缓存键
func KeyOf(canonical string) model.CacheKey {
	sum := blake2b.Sum256([]byte(canonical))
	return model.CacheKey(hex.EncodeToString(sum[:]))
}

func youtube(id string) Source {
	canonical := "youtube:" + id
	return Source{
		Canonical: canonical,
		FetchURL:  "https://www.youtube.com/watch?v=" + id,
		Key:       KeyOf(canonical),
	}
}

func youtubeID(host string, u *url.URL) (string, bool) {
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")

	if host == "youtu.be" {
		if len(segments) >= 1 && IsVideoID(segments[0]) {
			return segments[0], true
		}
		return "", false
	}
	if !youtubeHosts[host] {
		return "", false
	}

	if len(segments) == 1 && segments[0] == "watch" {
		id := u.Query().Get("v")
		return id, IsVideoID(id)
	}
	if len(segments) >= 2 {
		switch segments[0] {
		case "shorts", "embed", "live", "v":
			return segments[1], IsVideoID(segments[1])
		}
	}
	return "", false
}

func generic(scheme, host string, u *url.URL) Source {
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	hostport := host
	if port != "" {
		hostport = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		// IPv6 地址
		hostport = "[" + host + "]"
	}

	path := strings.TrimRight(u.EscapedPath(), "/")

	var query string
	if u.RawQuery != "" {
		values := u.Query()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var parts []string
		for _, k := range keys {
			vals := append([]string(nil), values[k]...)
			sort.Strings(vals)
			for _, v := range vals {
				if v == "" {
					continue
				}
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		query = strings.Join(parts, "&")
	}

	canonical := scheme + "://" + hostport + path
	if query != "" {
		canonical += "?" + query
	}
	return Source{
		Canonical: canonical,
		FetchURL:  canonical,
		Key:       KeyOf(canonical),
	}
}
