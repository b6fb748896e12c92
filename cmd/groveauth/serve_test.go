package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		logger, err := newLogger("info", "json")
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("Text", func(t *testing.T) {
		logger, err := newLogger("error", "text")
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("DefaultsToInfoAndText", func(t *testing.T) {
		logger, err := newLogger("", "")
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("UnknownLevel", func(t *testing.T) {
		_, err := newLogger("gofmt", "json")
		require.Error(t, err)
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		_, err := newLogger("info", "gofmt")
		require.Error(t, err)
		require.Equal(t, "log format is not one of the supported values (json, text): gofmt", err.Error())
	})
}

func TestApplyConfigOverrides(t *testing.T) {
	c := Config{
		Web:       WebConfig{HTTP: "127.0.0.1:5556"},
		Telemetry: TelemetryConfig{HTTP: "127.0.0.1:5558"},
	}

	applyConfigOverrides(serveOptions{
		webHTTPAddr:   "0.0.0.0:8080",
		webHTTPSAddr:  "0.0.0.0:8443",
		telemetryAddr: "0.0.0.0:9090",
	}, &c)

	require.Equal(t, "0.0.0.0:8080", c.Web.HTTP)
	require.Equal(t, "0.0.0.0:8443", c.Web.HTTPS)
	require.Equal(t, "0.0.0.0:9090", c.Telemetry.HTTP)
}

func TestApplyConfigOverridesLeavesUnsetFlags(t *testing.T) {
	c := Config{Web: WebConfig{HTTP: "127.0.0.1:5556"}}
	applyConfigOverrides(serveOptions{}, &c)
	require.Equal(t, "127.0.0.1:5556", c.Web.HTTP)
}
