package app

import (
	"testing"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
)

func TestModuleName(t *testing.T) {
	server := services.NewIdleService(nil, nil)
	relay := services.NewIdleService(nil, nil)

	a := &App{serviceMap: map[string]services.Service{
		Server: server,
		Relay:  relay,
	}}

	assert.Equal(t, Relay, a.moduleName(relay))
	assert.Equal(t, Server, a.moduleName(server))
	assert.Equal(t, "unknown", a.moduleName(services.NewIdleService(nil, nil)))
}

func TestOpenSessionsWithoutRelay(t *testing.T) {
	a := &App{}
	assert.Zero(t, a.openSessions())
}
