package xhttp

import (
	stdurl "net/url"
	"strconv"
	"strings"
)

// ParseHostScheme parses any address string and returns host, scheme and
// error. If addr is a host/domain style string, the returned scheme will
// be "".
func ParseHostScheme(addr string) (string, string, error) {
	if strings.Contains(addr, "://") {
		url, err := stdurl.Parse(addr)
		if err != nil {
			return "", "", err
		}
		return url.Host, url.Scheme, nil
	}

	url, err := stdurl.Parse("https://" + addr)
	if err != nil {
		return "", "", err
	}
	return url.Host, "", nil
}

// ParseContentRangeSize extracts the complete length from a Content-Range
// header value like "bytes 128-1023/1024".
func ParseContentRangeSize(s string) (int64, bool) {
	i := strings.LastIndex(s, "/")
	if i == -1 {
		return 0, false
	}
	size, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}
