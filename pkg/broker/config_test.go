package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{Driver: DriverKafka, Topic: "t", GroupID: "g", Brokers: []string{"localhost:9092"}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no driver", func(c *Config) { c.Driver = "" }, "broker.driver"},
		{"no topic", func(c *Config) { c.Topic = "" }, "broker.topic"},
		{"no group", func(c *Config) { c.GroupID = "" }, "broker.groupID"},
		{"no brokers", func(c *Config) { c.Brokers = nil }, "broker.brokers"},
		{"bad reset", func(c *Config) { c.OffsetReset = "middle" }, "broker.offsetReset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigValidateMemoryNeedsNoBrokers(t *testing.T) {
	c := Config{Driver: DriverMemory, Topic: "t", GroupID: "g"}
	assert.NoError(t, c.Validate())
}

func TestTLSConfig(t *testing.T) {
	conf, err := TLS{}.Config()
	require.NoError(t, err)
	assert.Nil(t, conf)

	conf, err = TLS{Enable: true, SkipVerify: true}.Config()
	require.NoError(t, err)
	require.NotNil(t, conf)
	assert.True(t, conf.InsecureSkipVerify)

	_, err = TLS{Enable: true, CAFile: "/does/not/exist.pem"}.Config()
	assert.Error(t, err)
}
