package user_agent

import (
	_ "embed"
	"fmt"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// Device types, spelled the way Umami exports spell them so live and imported
// rollups share breakdown keys.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"

	Unknown = "Unknown"
)

// Classification is the result of classifying a user agent string.
type Classification struct {
	DeviceType string
	Browser    string
	OS         string
	Bot        bool
}

//go:embed database/rules.yml
var rulesFile []byte

type namedRule struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

type deviceRule struct {
	Regex string `yaml:"regex"`
	Type  string `yaml:"type"`
}

type ruleSet struct {
	Bots     []namedRule  `yaml:"bots"`
	Browsers []namedRule  `yaml:"browsers"`
	OSs      []namedRule  `yaml:"oss"`
	Devices  []deviceRule `yaml:"devices"`
}

type compiledRule struct {
	re    *pcre.Regexp
	value string
}

type classifier struct {
	bots     []compiledRule
	browsers []compiledRule
	oss      []compiledRule
	devices  []compiledRule
}

var (
	parser    *classifier
	parserErr error
	once      sync.Once
)

func getClassifier() (*classifier, error) {
	once.Do(func() {
		var rules ruleSet
		if err := yaml.Unmarshal(rulesFile, &rules); err != nil {
			parserErr = fmt.Errorf("failed to parse user agent rules: %w", err)
			return
		}

		c := &classifier{}
		var err error
		if c.bots, err = compileNamed(rules.Bots); err != nil {
			parserErr = err
			return
		}
		if c.browsers, err = compileNamed(rules.Browsers); err != nil {
			parserErr = err
			return
		}
		if c.oss, err = compileNamed(rules.OSs); err != nil {
			parserErr = err
			return
		}
		for _, d := range rules.Devices {
			re, err := pcre.Compile(d.Regex)
			if err != nil {
				parserErr = fmt.Errorf("failed to compile device rule %q: %w", d.Regex, err)
				return
			}
			c.devices = append(c.devices, compiledRule{re: re, value: d.Type})
		}
		parser = c
	})
	return parser, parserErr
}

func compileNamed(rules []namedRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := pcre.Compile(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", r.Name, err)
		}
		out = append(out, compiledRule{re: re, value: r.Name})
	}
	return out, nil
}

func firstMatch(rules []compiledRule, ua, fallback string) string {
	for _, r := range rules {
		if r.re.MatchString(ua) {
			return r.value
		}
	}
	return fallback
}

// Classify maps a user agent string onto device type, browser and OS.
// Unparseable or empty input yields Unknown browser and OS on a desktop.
func Classify(userAgent string) Classification {
	c, err := getClassifier()
	if err != nil || userAgent == "" {
		return Classification{DeviceType: DeviceDesktop, Browser: Unknown, OS: Unknown}
	}

	if firstMatch(c.bots, userAgent, "") != "" {
		return Classification{DeviceType: DeviceBot, Browser: Unknown, OS: Unknown, Bot: true}
	}

	return Classification{
		DeviceType: firstMatch(c.devices, userAgent, DeviceDesktop),
		Browser:    firstMatch(c.browsers, userAgent, Unknown),
		OS:         firstMatch(c.oss, userAgent, Unknown),
	}
}
