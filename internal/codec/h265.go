package codec

import (
	"fmt"
	"math/bits"
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBlaWLP   = 16
	HEVCNALIDRWRadl = 19
	HEVCNALIDRNlp   = 20
	HEVCNALCraNut   = 21
	HEVCNALVPS      = 32
	HEVCNALSPS      = 33
	HEVCNALPPS      = 34
	HEVCNALAUD      = 35
)

// HEVCNALType extracts the type from the first NAL header byte.
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe reports whether a NAL type is a random access point (BLA,
// IDR or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// ParseAnnexBHEVC splits an H.265 Annex B stream into NAL units.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return parseAnnexBGeneric(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// InspectAccessUnitHEVC is InspectAccessUnit for H.265.
func InspectAccessUnitHEVC(au []byte) AccessUnitInfo {
	var info AccessUnitInfo
	for _, nal := range ParseAnnexBHEVC(au) {
		switch {
		case IsHEVCKeyframe(nal.Type):
			info.Keyframe = true
		case nal.Type == HEVCNALSPS:
			info.SPS = nal.Data
		}
	}
	return info
}

// HEVCSPSInfo holds the picture size and profile of an H.265 SPS.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64
	ChromaFormatIdc           byte
}

// CodecString returns the RFC 6381 codec string, e.g. "hev1.1.6.L93.B0".
func (s HEVCSPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}
	codec := fmt.Sprintf("hev1.%d.%X.%s%d", s.ProfileIDC, bits.Reverse32(s.ProfileCompatibilityFlags), tier, s.LevelIDC)

	var cb [6]byte
	last := -1
	for i := range cb {
		cb[i] = byte(s.ConstraintIndicatorFlags >> uint((5-i)*8))
		if cb[i] != 0 {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		codec += fmt.Sprintf(".%X", cb[i])
	}
	return codec
}

// ParseHEVCSPS parses an H.265 SPS NAL unit including its 2-byte header.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errTooShort
	}
	br := newBitReader(removeEmulationPrevention(nalu[2:]))

	br.readBits(4) // sps_video_parameter_set_id
	maxSubLayersMinus1, _ := br.readBits(3)
	if _, err := br.readBit(); err != nil { // sps_temporal_id_nesting_flag
		return HEVCSPSInfo{}, err
	}

	var info HEVCSPSInfo
	if err := parseHEVCProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return HEVCSPSInfo{}, err
	}

	br.readUE() // sps_seq_parameter_set_id
	chroma, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info.ChromaFormatIdc = byte(chroma)
	if chroma == 3 {
		br.readBit() // separate_colour_plane_flag
	}
	width, _ := br.readUE()
	height, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info.Width, info.Height = int(width), int(height)

	window, err := br.readFlag()
	if err != nil || !window {
		return info, nil
	}
	left, _ := br.readUE()
	right, _ := br.readUE()
	top, _ := br.readUE()
	bottom, err := br.readUE()
	if err != nil {
		return info, nil
	}
	subW, subH := uint(1), uint(1)
	switch chroma {
	case 1:
		subW, subH = 2, 2
	case 2:
		subW = 2
	}
	info.Width -= int((left + right) * subW)
	info.Height -= int((top + bottom) * subH)
	return info, nil
}

func parseHEVCProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) error {
	br.readBits(2) // general_profile_space
	tier, _ := br.readBits(1)
	profile, _ := br.readBits(5)
	hi, _ := br.readBits(16)
	lo, err := br.readBits(16)
	if err != nil {
		return err
	}
	info.TierFlag = byte(tier)
	info.ProfileIDC = byte(profile)
	info.ProfileCompatibilityFlags = uint32(hi)<<16 | uint32(lo)

	var cif uint64
	for i := 0; i < 6; i++ {
		b, err := br.readBits(8)
		if err != nil {
			return err
		}
		cif = cif<<8 | uint64(b)
	}
	info.ConstraintIndicatorFlags = cif

	level, err := br.readBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(level)

	if maxSubLayersMinus1 == 0 {
		return nil
	}
	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		profilePresent[i], _ = br.readFlag()
		levelPresent[i], _ = br.readFlag()
	}
	for i := maxSubLayersMinus1; i < 8; i++ {
		br.readBits(2) // reserved_zero_2bits
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			// sub_layer profile_space..constraint flags: 88 bits
			br.readBits(32)
			br.readBits(32)
			br.readBits(24)
		}
		if levelPresent[i] {
			br.readBits(8)
		}
	}
	return nil
}
