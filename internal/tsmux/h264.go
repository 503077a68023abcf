package tsmux

import "math"

// bitWriter writes MSB-first bit fields and Exp-Golomb codes.
type bitWriter struct {
	buf   []byte
	cur   byte
	nbits int
}

func (bw *bitWriter) writeBit(b uint) {
	bw.cur = bw.cur<<1 | byte(b&1)
	bw.nbits++
	if bw.nbits == 8 {
		bw.buf = append(bw.buf, bw.cur)
		bw.cur, bw.nbits = 0, 0
	}
}

func (bw *bitWriter) writeBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		bw.writeBit(uint(v>>i) & 1)
	}
}

func (bw *bitWriter) writeUE(v uint) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	bw.writeBits(0, n)
	bw.writeBits(x, n+1)
}

// trailing writes rbsp_trailing_bits and returns the RBSP.
func (bw *bitWriter) trailing() []byte {
	bw.writeBit(1)
	for bw.nbits != 0 {
		bw.writeBit(0)
	}
	return bw.buf
}

// addEmulationPrevention inserts 0x03 wherever two zero bytes are followed
// by a byte of 3 or less.
func addEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+2)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// NAL unit types the generator writes.
const (
	nalSlice = 1
	nalIDR   = 5
	nalSPS   = 7
	nalPPS   = 8
	nalAUD   = 9
)

// timing returns VUI num_units_in_tick and time_scale for fps. Integer
// rates use a tick of 1, NTSC-style rates a tick of 1001.
func timing(fps float64) (units, scale uint64) {
	if r := math.Round(fps); math.Abs(fps-r) < 1e-6 {
		return 1, uint64(2 * r)
	}
	return 1001, uint64(math.Round(fps * 1001 * 2))
}

// BuildSPS returns a baseline-profile SPS NAL unit (header included, no
// start code) for the given picture size, with VUI timing for fps.
func BuildSPS(width, height int, fps float64) []byte {
	mbW := (width + 15) / 16
	mbH := (height + 15) / 16

	bw := &bitWriter{}
	bw.writeBits(66, 8) // profile_idc: baseline
	bw.writeBits(0xC0, 8)
	bw.writeBits(30, 8) // level 3.0
	bw.writeUE(0)       // seq_parameter_set_id
	bw.writeUE(0)       // log2_max_frame_num_minus4
	bw.writeUE(2)       // pic_order_cnt_type
	bw.writeUE(1)       // max_num_ref_frames
	bw.writeBit(0)      // gaps_in_frame_num_value_allowed_flag
	bw.writeUE(uint(mbW - 1))
	bw.writeUE(uint(mbH - 1))
	bw.writeBit(1) // frame_mbs_only_flag
	bw.writeBit(1) // direct_8x8_inference_flag

	cropR, cropB := (mbW*16-width)/2, (mbH*16-height)/2
	if cropR > 0 || cropB > 0 {
		bw.writeBit(1)
		bw.writeUE(0)
		bw.writeUE(uint(cropR))
		bw.writeUE(0)
		bw.writeUE(uint(cropB))
	} else {
		bw.writeBit(0)
	}

	bw.writeBit(1) // vui_parameters_present_flag
	bw.writeBit(0) // aspect_ratio_info_present_flag
	bw.writeBit(0) // overscan_info_present_flag
	bw.writeBit(0) // video_signal_type_present_flag
	bw.writeBit(0) // chroma_loc_info_present_flag
	units, scale := timing(fps)
	bw.writeBit(1)
	bw.writeBits(units, 32)
	bw.writeBits(scale, 32)
	bw.writeBit(1) // fixed_frame_rate_flag
	bw.writeBit(0) // nal_hrd_parameters_present_flag
	bw.writeBit(0) // vcl_hrd_parameters_present_flag
	bw.writeBit(0) // pic_struct_present_flag
	bw.writeBit(0) // bitstream_restriction_flag

	return append([]byte{0x60 | nalSPS}, addEmulationPrevention(bw.trailing())...)
}

// BuildPPS returns a minimal PPS NAL unit referring to SPS 0.
func BuildPPS() []byte {
	bw := &bitWriter{}
	bw.writeUE(0)  // pic_parameter_set_id
	bw.writeUE(0)  // seq_parameter_set_id
	bw.writeBit(0) // entropy_coding_mode_flag
	bw.writeBit(0) // bottom_field_pic_order_in_frame_present_flag
	bw.writeUE(0)  // num_slice_groups_minus1
	bw.writeUE(0)  // num_ref_idx_l0_default_active_minus1
	bw.writeUE(0)  // num_ref_idx_l1_default_active_minus1
	bw.writeBit(0) // weighted_pred_flag
	bw.writeBits(0, 2)
	bw.writeUE(0)  // pic_init_qp_minus26
	bw.writeUE(0)  // pic_init_qs_minus26
	bw.writeUE(0)  // chroma_qp_index_offset
	bw.writeBit(1) // deblocking_filter_control_present_flag
	bw.writeBit(0) // constrained_intra_pred_flag
	bw.writeBit(0) // redundant_pic_cnt_present_flag
	return append([]byte{0x60 | nalPPS}, addEmulationPrevention(bw.trailing())...)
}

// AccessUnit returns an Annex B access unit: an AUD, SPS and PPS before
// keyframes, then one slice. The slice body is filler tagged with the frame
// index; it has the shape of H.264 but is not decodable.
func AccessUnit(index int64, keyframe bool, sps, pps []byte) []byte {
	startCode := []byte{0, 0, 0, 1}
	au := append([]byte(nil), startCode...)
	au = append(au, nalAUD, 0xF0)
	if keyframe {
		au = append(au, startCode...)
		au = append(au, sps...)
		au = append(au, startCode...)
		au = append(au, pps...)
	}
	au = append(au, startCode...)
	if keyframe {
		au = append(au, 0x60|nalIDR)
	} else {
		au = append(au, 0x40|nalSlice)
	}
	body := make([]byte, 24)
	for i := range body {
		body[i] = byte(index>>(8*(i%8))) | 0x80
	}
	return append(au, body...)
}
