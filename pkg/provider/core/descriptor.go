package core

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxNameLength = 50

var (
	keyPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Descriptor 提供商描述信息
type Descriptor struct {
	Key     string `json:"key" mapstructure:"key"`           // 唯一标识，字母或下划线开头
	Name    string `json:"name" mapstructure:"name"`         // 展示名称
	Version string `json:"version" mapstructure:"version"`   // 版本号，建议 x.y.z
	BaseURL string `json:"base_url" mapstructure:"base_url"` // 站点地址
}

// Validate 校验描述信息。返回的 warnings 不影响注册，err 非空时拒绝注册。
func (d Descriptor) Validate() (warnings []string, err error) {
	var problems []string

	switch {
	case strings.TrimSpace(d.Key) == "":
		problems = append(problems, "key cannot be empty")
	case !keyPattern.MatchString(d.Key):
		problems = append(problems, fmt.Sprintf("key %q must start with a letter or underscore and contain only letters, digits and underscores", d.Key))
	}

	switch {
	case strings.TrimSpace(d.Name) == "":
		problems = append(problems, "name cannot be empty")
	case utf8.RuneCountInString(d.Name) > maxNameLength:
		problems = append(problems, fmt.Sprintf("name too long (max %d characters)", maxNameLength))
	}

	if !strings.HasPrefix(d.BaseURL, "http://") && !strings.HasPrefix(d.BaseURL, "https://") {
		problems = append(problems, fmt.Sprintf("base url %q must start with http:// or https://", d.BaseURL))
	}

	if d.Version != "" && !semverPattern.MatchString(d.Version) {
		warnings = append(warnings, fmt.Sprintf("version should follow semver format: %s", d.Version))
	}

	if len(problems) > 0 {
		return warnings, fmt.Errorf("%w: %s", ErrInvalidDescriptor, strings.Join(problems, "; "))
	}
	return warnings, nil
}
