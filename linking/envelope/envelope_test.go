package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSecret(t *testing.T) Secret {
	t.Helper()
	secret, err := GenerateSecret()
	require.NoError(t, err)
	return secret
}

func TestSealOpenRoundTrip(t *testing.T) {
	secret := mustSecret(t)

	messages := []interface{}{
		&RegistrationSuccess{RequestBackupKeys: true},
		&DeviceListUpdateSuccess{UserID: "alice", PrimaryDeviceID: "primary"},
		&BackupDataKeyMessage{BackupDataKey: "data", BackupLogDataKey: "log"},
	}
	for _, message := range messages {
		sealed, err := Seal(secret, message)
		require.NoError(t, err)

		opened, err := Open(secret, sealed)
		require.NoError(t, err)
		assert.Equal(t, message, opened)
	}
}

func TestOpenWrongSecret(t *testing.T) {
	sealed, err := Seal(mustSecret(t), &RegistrationSuccess{})
	require.NoError(t, err)

	_, err = Open(mustSecret(t), sealed)
	assert.ErrorIs(t, err, ErrReject)
}

func TestOpenGarbage(t *testing.T) {
	secret := mustSecret(t)
	for _, data := range [][]byte{nil, []byte("{}"), []byte("not json at all")} {
		_, err := Open(secret, data)
		assert.ErrorIs(t, err, ErrReject)
	}
}

func TestOpenSwappedKindIsRejected(t *testing.T) {
	secret := mustSecret(t)
	sealed, err := Seal(secret, &RegistrationSuccess{RequestBackupKeys: true})
	require.NoError(t, err)

	// The kind is authenticated data: rewriting it must break the seal.
	var wire wireEnvelope
	require.NoError(t, json.Unmarshal(sealed, &wire))
	wire.Kind = KindBackupDataKey
	swapped, err := json.Marshal(&wire)
	require.NoError(t, err)

	_, err = Open(secret, swapped)
	assert.ErrorIs(t, err, ErrReject)
}

func TestOpenUnknownKind(t *testing.T) {
	secret := mustSecret(t)
	sealed, err := Seal(secret, &RegistrationSuccess{})
	require.NoError(t, err)

	var wire wireEnvelope
	require.NoError(t, json.Unmarshal(sealed, &wire))
	wire.Kind = Kind("mystery")
	unknown, err := json.Marshal(&wire)
	require.NoError(t, err)

	_, err = Open(secret, unknown)
	assert.ErrorIs(t, err, ErrReject)
}

func TestSealRefusesForeignTypes(t *testing.T) {
	_, err := Seal(mustSecret(t), struct{ X int }{1})
	assert.Error(t, err)
}
