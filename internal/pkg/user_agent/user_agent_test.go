package user_agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tallystat/internal/pkg/user_agent"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name            string
		userAgent       string
		expectedDevice  string
		expectedBrowser string
		expectedOS      string
		expectedBot     bool
	}{
		{
			name:            "Chrome on Windows",
			userAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			expectedDevice:  user_agent.DeviceDesktop,
			expectedBrowser: "Chrome",
			expectedOS:      "Windows",
		},
		{
			name:            "Safari on iPhone",
			userAgent:       "Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1",
			expectedDevice:  user_agent.DeviceMobile,
			expectedBrowser: "Mobile Safari",
			expectedOS:      "iOS",
		},
		{
			name:            "Chrome on Android",
			userAgent:       "Mozilla/5.0 (Linux; Android 11; SM-G998B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.120 Mobile Safari/537.36",
			expectedDevice:  user_agent.DeviceMobile,
			expectedBrowser: "Chrome Mobile",
			expectedOS:      "Android",
		},
		{
			name:            "Safari on iPad",
			userAgent:       "Mozilla/5.0 (iPad; CPU OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1",
			expectedDevice:  user_agent.DeviceTablet,
			expectedBrowser: "Mobile Safari",
			expectedOS:      "iPadOS",
		},
		{
			name:            "Edge on Windows",
			userAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
			expectedDevice:  user_agent.DeviceDesktop,
			expectedBrowser: "Microsoft Edge",
			expectedOS:      "Windows",
		},
		{
			name:            "Firefox on Mac",
			userAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:109.0) Gecko/20100101 Firefox/119.0",
			expectedDevice:  user_agent.DeviceDesktop,
			expectedBrowser: "Firefox",
			expectedOS:      "Mac",
		},
		{
			name:            "Googlebot",
			userAgent:       "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			expectedDevice:  user_agent.DeviceBot,
			expectedBrowser: user_agent.Unknown,
			expectedOS:      user_agent.Unknown,
			expectedBot:     true,
		},
		{
			name:            "Empty user agent",
			userAgent:       "",
			expectedDevice:  user_agent.DeviceDesktop,
			expectedBrowser: user_agent.Unknown,
			expectedOS:      user_agent.Unknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := user_agent.Classify(tc.userAgent)

			assert.Equal(t, tc.expectedDevice, result.DeviceType)
			assert.Equal(t, tc.expectedBrowser, result.Browser)
			assert.Equal(t, tc.expectedOS, result.OS)
			assert.Equal(t, tc.expectedBot, result.Bot)
		})
	}
}
