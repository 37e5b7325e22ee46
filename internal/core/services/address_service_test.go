package services

import (
	"strings"
	"testing"

	"medlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressService_Resolve(t *testing.T) {
	svc, err := NewAddressService(AddressConfig{RelayHost: "http://192.168.20.209"})
	require.NoError(t, err)

	doctor, err := svc.Resolve("doctor")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleDoctor, doctor.Role)
	assert.Equal(t, "rtmp://192.168.20.209:1935/doctorStream", doctor.PushURL)
	assert.True(t, strings.HasSuffix(doctor.PushURL, "/doctorStream"))
	assert.Equal(t, "http://192.168.20.209:8888/doctorStream/index.m3u8", doctor.PlayURL)
	assert.Equal(t, "http://192.168.20.209:8888/patientStream/index.m3u8", doctor.WatchURL)
	assert.Equal(t, "http://192.168.20.209:8889/doctorStream/whip", doctor.WHIPURL)

	patient, err := svc.Resolve("patient")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(patient.PushURL, "/patientStream"))
	assert.Contains(t, patient.PlayURL, "/patientStream/index.m3u8")
	assert.Contains(t, patient.WatchURL, "/doctorStream/index.m3u8")
	assert.Contains(t, patient.WHIPURL, "/patientStream/whip")
}

func TestAddressService_DefaultsAndErrors(t *testing.T) {
	svc, err := NewAddressService(AddressConfig{RelayHost: "relay.local", HLSPort: 9000})
	require.NoError(t, err)

	addrs, err := svc.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleDoctor, addrs.Role)
	assert.Equal(t, "http://relay.local:9000/doctorStream/index.m3u8", addrs.PlayURL)

	addrs, err = svc.Resolve(" Patient ")
	require.NoError(t, err)
	assert.Equal(t, domain.RolePatient, addrs.Role)

	_, err = svc.Resolve("nurse")
	assert.ErrorIs(t, err, domain.ErrUnknownRole)

	_, err = NewAddressService(AddressConfig{})
	assert.Error(t, err)
}

func TestAddressService_HTTPSRelay(t *testing.T) {
	svc, err := NewAddressService(AddressConfig{RelayHost: "https://relay.example.com:443"})
	require.NoError(t, err)

	addrs, err := svc.Resolve("patient")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com:8889/patientStream/whip", addrs.WHIPURL)
	assert.Equal(t, "rtmp://relay.example.com:1935/patientStream", addrs.PushURL)
}
