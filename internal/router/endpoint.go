package router

import "strings"

// DefaultBaseURL is used when a credential carries no resource_url
const DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// ResolveBaseURL turns a credential's resource_url into an API base URL.
// A missing scheme becomes https and a /v1 suffix is ensured.
func ResolveBaseURL(resourceURL, fallback string) string {
	endpoint := strings.TrimSpace(resourceURL)
	if endpoint == "" {
		return fallback
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint = strings.TrimSuffix(endpoint, "/") + "/v1"
	}
	return endpoint
}
