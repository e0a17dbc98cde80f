package utils

import (
	"fmt"
	"runtime"
	"strings"
)

const defaultProduct = "maabo"

// UserAgent 返回形如 "maabo/0.3.0 (linux; amd64)" 的 UA，版本为空时记为 dev。
func UserAgent(product, version string) string {
	product = strings.TrimSpace(product)
	if product == "" {
		product = defaultProduct
	}
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("%s/%s (%s; %s)", product, version, runtime.GOOS, runtime.GOARCH)
}

// NormalizeUserAgent 入参为空或含控制字符时退回默认 UA。
func NormalizeUserAgent(ua, version string) string {
	v := strings.TrimSpace(ua)
	if v == "" || !printable(v) {
		return UserAgent(defaultProduct, version)
	}
	return v
}

func printable(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
