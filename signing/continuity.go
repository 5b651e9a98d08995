package signing

// When the primary role moves between devices, the new primary proves that
// it holds key material descended from the old primary by signing a fixed
// marker with the account material it restored, verified against the old
// primary's device ID. The marker is the canonical JSON of an empty device
// list delta under a domain separation prefix so the signature cannot be
// confused with a real device list update.
const continuityMarkerPrefix = "LUMEN_DEVICE_CONTINUITY\x00"

// ContinuityMarker returns the canonical message signed during a primary
// device handoff.
func ContinuityMarker() []byte {
	return []byte(continuityMarkerPrefix + `{"devices":[]}`)
}

// SignContinuity signs the continuity marker with exported account key
// material, typically recovered from a backup during primary restore.
func SignContinuity(material KeyPair) string {
	return material.Sign(ContinuityMarker())
}

// VerifyContinuity checks a continuity signature against the device that
// was primary before the handoff. A failure here means key continuity was
// broken and must be treated as a security-relevant anomaly by the caller,
// not as a transient error.
func VerifyContinuity(signature string, previousPrimary DeviceID) bool {
	return Verify(ContinuityMarker(), signature, previousPrimary)
}
