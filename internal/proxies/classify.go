package proxies

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/RecoveryAshes/shelfscout/internal/models"
)

var (
	// ResidentialISPs 住宅宽带运营商关键字
	ResidentialISPs = []string{"comcast", "verizon", "at&t", "spectrum", "cox", "charter", "centurylink"}

	// MobileISPs 移动运营商关键字
	MobileISPs = []string{"t-mobile", "sprint", "vodafone", "orange"}

	// DefaultBadProviders 低质量机房供应商,命中即丢弃
	DefaultBadProviders = []string{"digitalocean", "linode", "vultr", "ovh", "hetzner", "aws", "amazon", "google", "azure", "microsoft"}
)

// Classify 根据类型提示和ISP判断代理类别
// 第二个返回值为false表示该候选应被丢弃(低质量机房)
func Classify(c models.ProxyCandidate, badProviders []string) (models.ProxyCategory, bool) {
	typ := strings.ToLower(strings.TrimSpace(c.Type))
	isp := strings.ToLower(c.Location.ISP)
	org := strings.ToLower(c.Location.Org)

	if typ == string(models.CategoryResidential) || c.IsResidential || containsAny(isp, ResidentialISPs) {
		return models.CategoryResidential, true
	}
	if typ == string(models.CategoryMobile) || containsAny(isp, MobileISPs) {
		return models.CategoryMobile, true
	}
	if containsAny(isp, badProviders) || containsAny(org, badProviders) {
		return models.CategoryDatacenter, false
	}
	return models.CategoryDatacenter, true
}

func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	for _, k := range keywords {
		if k != "" && strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// ClassifyURL 根据路径判断URL类型
func ClassifyURL(rawURL string) models.URLClass {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	switch {
	case strings.Contains(path, "/ip/"):
		return models.URLProduct
	case strings.Contains(path, "/browse/"), strings.Contains(path, "/cp/"):
		return models.URLCategory
	case strings.Contains(path, "/search"):
		return models.URLSearch
	case strings.Contains(path, "/store/"):
		return models.URLStore
	default:
		return models.URLOther
	}
}

// NormalizeAddress 将候选项的各种地址写法规整为 scheme://[user:pass@]host:port
// 返回协议(小写)便于过滤SOCKS
func NormalizeAddress(c models.ProxyCandidate) (string, string, error) {
	raw := strings.TrimSpace(c.Address)
	if raw == "" {
		raw = strings.TrimSpace(c.Proxy)
	}
	if raw == "" && c.IP != "" && c.Port > 0 {
		raw = net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
	}
	if raw == "" {
		return "", "", &AddressError{Raw: raw, Reason: "地址为空"}
	}

	scheme := strings.ToLower(strings.TrimSpace(c.Protocol))
	if !strings.Contains(raw, "://") {
		if scheme == "" {
			scheme = "http"
		}
		raw = scheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "", &AddressError{Raw: raw, Reason: err.Error()}
	}
	scheme = strings.ToLower(u.Scheme)
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" {
		return "", "", &AddressError{Raw: raw, Reason: "缺少主机或端口"}
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return "", "", &AddressError{Raw: raw, Reason: "端口无效"}
	}

	u.Scheme = scheme
	u.Path = ""
	u.RawQuery = ""
	return u.String(), scheme, nil
}

// AddressError 代理地址无效
type AddressError struct {
	Raw    string
	Reason string
}

func (e *AddressError) Error() string {
	return "代理地址无效 [" + e.Raw + "]: " + e.Reason
}
