package api

import (
	"github.com/lumen-im/lumen/signing"
)

// VerifyDeviceListHistory walks an ordered device list history, oldest
// first, and checks the signature chain: every snapshot must be
// non-empty, sequence indexes must be strictly increasing, a present
// current-primary signature must verify against the snapshot's own
// primary, and when the primary changes between snapshots a present
// last-primary signature must verify against the outgoing primary. It
// returns the decoded latest snapshot.
func VerifyDeviceListHistory(history []SignedDeviceList) (RawDeviceList, error) {
	if len(history) == 0 {
		return RawDeviceList{}, &VerificationFailure{Reason: VerificationEmptyHistory}
	}
	var prev RawDeviceList
	havePrev := false
	for _, signed := range history {
		raw, err := signed.Raw()
		if err != nil {
			return RawDeviceList{}, err
		}
		if len(raw.Devices) == 0 {
			return RawDeviceList{}, &VerificationFailure{
				Reason:        VerificationEmptyUpdate,
				SequenceIndex: raw.SequenceIndex,
			}
		}
		if havePrev && raw.SequenceIndex <= prev.SequenceIndex {
			return RawDeviceList{}, &VerificationFailure{
				Reason:        VerificationInvalidSequenceOrder,
				SequenceIndex: raw.SequenceIndex,
			}
		}
		primary, _ := raw.PrimaryDeviceID()
		if signed.CurPrimarySignature != "" {
			if !signing.Verify([]byte(signed.RawDeviceList), signed.CurPrimarySignature, primary) {
				return RawDeviceList{}, &VerificationFailure{
					Reason:        VerificationInvalidCurPrimary,
					SequenceIndex: raw.SequenceIndex,
				}
			}
		}
		if havePrev {
			prevPrimary, _ := prev.PrimaryDeviceID()
			if prevPrimary != primary && signed.LastPrimarySignature != "" {
				if !signing.Verify([]byte(signed.RawDeviceList), signed.LastPrimarySignature, prevPrimary) {
					return RawDeviceList{}, &VerificationFailure{
						Reason:        VerificationInvalidLastPrimary,
						SequenceIndex: raw.SequenceIndex,
					}
				}
			}
		}
		prev = raw
		havePrev = true
	}
	return prev, nil
}

// PreviousPrimaryDeviceID returns the primary device of the
// second-newest decodable snapshot in the history. After a primary
// restore the newest snapshot names the restored device, so the
// snapshot before it names the primary whose signing identity the
// restored device must prove continuity with. Returns false when the
// history holds fewer than two decodable snapshots.
func PreviousPrimaryDeviceID(history []SignedDeviceList) (signing.DeviceID, bool) {
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		raw, err := history[i].Raw()
		if err != nil || len(raw.Devices) == 0 {
			continue
		}
		seen++
		if seen == 2 {
			primary, ok := raw.PrimaryDeviceID()
			return primary, ok
		}
	}
	return "", false
}
