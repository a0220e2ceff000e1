package gitengine

import "encoding/base64"

// basicAuthHeader builds the base64("x-access-token:"+token) value used as
// an HTTP Basic credential for GitHub-style token push/fetch.
func basicAuthHeader(token string) string {
	return base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
}

// ConvertToHTTPSURL normalizes an scp-style ssh remote URL
// (git@host:owner/repo.git) to an HTTPS form suitable for token-header
// auth. Any other URL, including ssh:// URLs, is returned unchanged.
func ConvertToHTTPSURL(remoteURL string) string {
	switch {
	case len(remoteURL) > 4 && remoteURL[:4] == "git@":
		// git@github.com:owner/repo.git -> https://github.com/owner/repo.git
		rest := remoteURL[4:]
		for i := 0; i < len(rest); i++ {
			if rest[i] == ':' {
				host := rest[:i]
				path := rest[i+1:]
				return "https://" + host + "/" + path
			}
		}
		return remoteURL
	default:
		return remoteURL
	}
}
