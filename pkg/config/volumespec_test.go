package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/kverrors"
)

func TestParseVolumeSpecDefaults(t *testing.T) {
	spec, err := ParseVolumeSpec("/var/lib/strata/t.strata")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/strata/t.strata", spec.Path)
	require.Equal(t, "t", spec.Name)
	require.Equal(t, defaultPageSize, spec.PageSize)
	require.Equal(t, OpenOrCreate, spec.Mode)
}

func TestParseVolumeSpecFullGrammar(t *testing.T) {
	spec, err := ParseVolumeSpec("/data/v1.db,name:orders,pageSize:8192,initialPages:16,extensionPages:8,maximumPages:1024,create")
	require.NoError(t, err)
	require.Equal(t, "/data/v1.db", spec.Path)
	require.Equal(t, "orders", spec.Name)
	require.Equal(t, 8192, spec.PageSize)
	require.Equal(t, 16, spec.InitialPages)
	require.Equal(t, 8, spec.ExtensionPages)
	require.Equal(t, 1024, spec.MaximumPages)
	require.Equal(t, OpenOrCreate, spec.Mode)
}

func TestParseVolumeSpecSizeAliases(t *testing.T) {
	spec, err := ParseVolumeSpec("/data/v1.db,initialSize:4,extensionSize:2,maximumSize:64")
	require.NoError(t, err)
	require.Equal(t, 4, spec.InitialPages)
	require.Equal(t, 2, spec.ExtensionPages)
	require.Equal(t, 64, spec.MaximumPages)
}

func TestParseVolumeSpecCreateOnly(t *testing.T) {
	spec, err := ParseVolumeSpec("/data/v1.db,createOnly")
	require.NoError(t, err)
	require.Equal(t, CreateOnly, spec.Mode)
}

func TestParseVolumeSpecReadOnly(t *testing.T) {
	spec, err := ParseVolumeSpec("/data/v1.db,readOnly")
	require.NoError(t, err)
	require.Equal(t, ReadOnly, spec.Mode)
}

func TestParseVolumeSpecRejectsCreateAndReadOnly(t *testing.T) {
	_, err := ParseVolumeSpec("/data/v1.db,create,readOnly")
	require.Error(t, err)
	kind, ok := kverrors.KindOfErr(err)
	require.True(t, ok)
	require.Equal(t, kverrors.InvalidSpec, kind)
}

func TestParseVolumeSpecRejectsCreateAndCreateOnly(t *testing.T) {
	_, err := ParseVolumeSpec("/data/v1.db,create,createOnly")
	require.Error(t, err)
}

func TestParseVolumeSpecRejectsBadPageSize(t *testing.T) {
	_, err := ParseVolumeSpec("/data/v1.db,pageSize:3000")
	require.Error(t, err)
	kind, ok := kverrors.KindOfErr(err)
	require.True(t, ok)
	require.Equal(t, kverrors.InvalidSpec, kind)
}

func TestParseVolumeSpecRejectsUnrecognizedTerm(t *testing.T) {
	_, err := ParseVolumeSpec("/data/v1.db,bogus:1")
	require.Error(t, err)
}

func TestParseVolumeSpecRejectsNonIntegerTerm(t *testing.T) {
	_, err := ParseVolumeSpec("/data/v1.db,pageSize:big")
	require.Error(t, err)
}

func TestParseVolumeSpecRejectsEmpty(t *testing.T) {
	_, err := ParseVolumeSpec("")
	require.Error(t, err)
}

func TestParseVolumeSpecRejectsMaximumBelowInitial(t *testing.T) {
	_, err := ParseVolumeSpec("/data/v1.db,initialPages:100,maximumPages:10")
	require.Error(t, err)
}
