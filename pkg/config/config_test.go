package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config with tcp store",
			cfg: Config{
				App:   AppConfig{Name: "test-supervisor"},
				Store: StoreConfig{Host: "localhost", Port: 6379},
				Log:   LogConfig{Level: "info"},
			},
			wantErr: false,
		},
		{
			name: "valid config with unix socket store",
			cfg: Config{
				App:   AppConfig{Name: "test-supervisor"},
				Store: StoreConfig{Socket: "/tmp/redis.sock"},
				Log:   LogConfig{Level: "info"},
			},
			wantErr: false,
		},
		{
			name: "missing app name",
			cfg: Config{
				Store: StoreConfig{Host: "localhost", Port: 6379},
				Log:   LogConfig{Level: "info"},
			},
			wantErr: true,
		},
		{
			name: "invalid store port",
			cfg: Config{
				App:   AppConfig{Name: "test"},
				Store: StoreConfig{Host: "localhost", Port: 70000},
			},
			wantErr: true,
		},
		{
			name: "missing store host without socket",
			cfg: Config{
				App:   AppConfig{Name: "test"},
				Store: StoreConfig{Port: 6379},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: Config{
				App:   AppConfig{Name: "test"},
				Store: StoreConfig{Host: "localhost", Port: 6379},
				Log:   LogConfig{Level: "invalid"},
			},
			wantErr: true,
		},
		{
			name: "invalid process priority",
			cfg: Config{
				App:     AppConfig{Name: "test"},
				Store:   StoreConfig{Host: "localhost", Port: 6379},
				Log:     LogConfig{Level: "info"},
				Process: ProcessConfig{Priority: 100},
			},
			wantErr: true,
		},
		{
			name: "empty log level defaults to info",
			cfg: Config{
				App:   AppConfig{Name: "test"},
				Store: StoreConfig{Host: "localhost", Port: 6379},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStoreConfig_Address(t *testing.T) {
	s := StoreConfig{Host: "redis.local", Port: 6379}
	assert.Equal(t, "redis.local:6379", s.Address())
}

func TestConfig_IsDevelopmentAndProduction(t *testing.T) {
	dev := &Config{App: AppConfig{Environment: "development"}}
	assert.True(t, dev.IsDevelopment())
	assert.False(t, dev.IsProduction())

	prod := &Config{App: AppConfig{Environment: "production"}}
	assert.True(t, prod.IsProduction())
	assert.False(t, prod.IsDevelopment())
}
