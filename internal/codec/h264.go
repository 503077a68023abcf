// Package codec parses the parts of H.264, H.265 and AAC elementary streams
// a player needs before decoding: Annex B NAL framing, picture size and
// frame rate from the sequence parameter set, and ADTS framing.
package codec

import (
	"fmt"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// SPSInfo holds what the player uses from an H.264 sequence parameter set.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte

	TimingPresent  bool
	NumUnitsInTick uint32
	TimeScale      uint32
	FixedFrameRate bool
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.42E01E".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// FrameRate returns time_scale / (2 * num_units_in_tick), or 0 when the
// VUI carries no timing.
func (s SPSInfo) FrameRate() float64 {
	if !s.TimingPresent || s.NumUnitsInTick == 0 || s.TimeScale == 0 {
		return 0
	}
	return float64(s.TimeScale) / (2 * float64(s.NumUnitsInTick))
}

func isHighProfile(p uint) bool {
	switch p {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an SPS NAL unit, header byte included, start code
// excluded. The VUI is read as far as the timing information.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errTooShort
	}
	br := newBitReader(removeEmulationPrevention(nalu[1:]))

	var info SPSInfo
	profile, _ := br.readBits(8)
	constraints, _ := br.readBits(8)
	level, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	info.ProfileIDC = byte(profile)
	info.ConstraintFlags = byte(constraints)
	info.LevelIDC = byte(level)

	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormat := uint(1)
	separateColourPlane := false
	if isHighProfile(profile) {
		if chromaFormat, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if chromaFormat == 3 {
			if separateColourPlane, err = br.readFlag(); err != nil {
				return SPSInfo{}, err
			}
		}
		br.readUE()   // bit_depth_luma_minus8
		br.readUE()   // bit_depth_chroma_minus8
		br.readBit()  // qpprime_y_zero_transform_bypass_flag
		scaling, err := br.readFlag()
		if err != nil {
			return SPSInfo{}, err
		}
		if scaling {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := br.readFlag()
				if err != nil {
					return SPSInfo{}, err
				}
				if !present {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				if err := br.skipScalingList(size); err != nil {
					return SPSInfo{}, err
				}
			}
		}
	}

	br.readUE() // log2_max_frame_num_minus4
	pocType, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	switch pocType {
	case 0:
		br.readUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.readBit() // delta_pic_order_always_zero_flag
		br.readSE()  // offset_for_non_ref_pic
		br.readSE()  // offset_for_top_to_bottom_field
		n, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < n; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	br.readUE()  // max_num_ref_frames
	br.readBit() // gaps_in_frame_num_value_allowed_flag
	widthMbs, _ := br.readUE()
	heightMapUnits, _ := br.readUE()
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		br.readBit() // mb_adaptive_frame_field_flag
	}
	br.readBit() // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	cropping, err := br.readFlag()
	if err != nil {
		return SPSInfo{}, err
	}
	if cropping {
		cropL, _ = br.readUE()
		cropR, _ = br.readUE()
		cropT, _ = br.readUE()
		if cropB, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
	}

	chromaArrayType := chromaFormat
	if separateColourPlane {
		chromaArrayType = 0
	}
	subW, subH := uint(2), uint(2)
	switch chromaArrayType {
	case 0, 3:
		subW, subH = 1, 1
	case 2:
		subW, subH = 2, 1
	}
	cropUnitX := subW
	cropUnitY := subH * (2 - frameMbsOnly)
	info.Width = int((widthMbs+1)*16 - cropUnitX*(cropL+cropR))
	info.Height = int((heightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropT+cropB))

	if vui, err := br.readFlag(); err != nil || !vui {
		return info, nil
	}
	parseVUITiming(br, &info)
	return info, nil
}

// parseVUITiming reads the VUI fields up to timing_info. A truncated VUI
// leaves the timing unset rather than failing the SPS.
func parseVUITiming(br *bitReader, info *SPSInfo) {
	if ar, _ := br.readFlag(); ar {
		if idc, _ := br.readBits(8); idc == 255 {
			br.readBits(32) // sar_width, sar_height
		}
	}
	if overscan, _ := br.readFlag(); overscan {
		br.readBit()
	}
	if signal, _ := br.readFlag(); signal {
		br.readBits(4) // video_format, video_full_range_flag
		if colour, _ := br.readFlag(); colour {
			br.readBits(24)
		}
	}
	if chromaLoc, _ := br.readFlag(); chromaLoc {
		br.readUE()
		br.readUE()
	}

	timing, err := br.readFlag()
	if err != nil || !timing {
		return
	}
	units, _ := br.readBits(32)
	scale, _ := br.readBits(32)
	fixed, err := br.readFlag()
	if err != nil {
		return
	}
	info.TimingPresent = true
	info.NumUnitsInTick = uint32(units)
	info.TimeScale = uint32(scale)
	info.FixedFrameRate = fixed
}

// NALUnit is one NAL unit from an Annex B stream.
type NALUnit struct {
	Type byte   // 5-bit for H.264, 6-bit for H.265
	Data []byte // NAL header and payload, without start code
}

// parseAnnexBGeneric splits an Annex B stream on 3- and 4-byte start codes.
// minNALBytes is the NAL header size of the codec.
func parseAnnexBGeneric(data []byte, minNALBytes int, nalType func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct{ scStart, dataStart int }
	var positions []scPos
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end || end-pos.dataStart < minNALBytes {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, NALUnit{Type: nalType(nal), Data: nal})
	}
	return units
}

// ParseAnnexB splits an H.264 Annex B stream into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return parseAnnexBGeneric(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// AccessUnitInfo summarizes one H.264 access unit.
type AccessUnitInfo struct {
	Keyframe bool
	SPS      []byte // the last SPS in the unit, if any
}

// InspectAccessUnit reports whether an Annex B access unit is a keyframe
// and returns its SPS.
func InspectAccessUnit(au []byte) AccessUnitInfo {
	var info AccessUnitInfo
	for _, nal := range ParseAnnexB(au) {
		switch nal.Type {
		case NALTypeIDR:
			info.Keyframe = true
		case NALTypeSPS:
			info.SPS = nal.Data
		}
	}
	return info
}
