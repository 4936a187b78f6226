// Package h264test synthesizes minimal H.264 parameter sets and access
// units for tests.
package h264test

type bitWriter struct {
	bytes []byte
	cur   byte
	nBits uint
}

func (w *bitWriter) writeBit(bit uint32) {
	w.cur = w.cur<<1 | byte(bit&1)
	w.nBits++
	if w.nBits == 8 {
		w.bytes = append(w.bytes, w.cur)
		w.cur, w.nBits = 0, 0
	}
}

func (w *bitWriter) writeBits(value uint32, n int) {
	for idx := n - 1; idx >= 0; idx-- {
		w.writeBit(value >> uint(idx))
	}
}

func (w *bitWriter) writeUE(value uint32) {
	value++
	length := 0
	for v := value; v > 1; v >>= 1 {
		length++
	}
	w.writeBits(0, length)
	w.writeBits(value, length+1)
}

// finish appends the rbsp trailing bits.
func (w *bitWriter) finish() []byte {
	w.writeBit(1)
	for w.nBits != 0 {
		w.writeBit(0)
	}
	return w.bytes
}

func addEmulationPrevention(rbsp []byte) []byte {
	result := make([]byte, 0, len(rbsp)+4)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			result = append(result, 3)
			zeros = 0
		}
		result = append(result, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return result
}

// SPS returns a sequence parameter set NAL unit (with its header) of a
// progressive stream without cropping. width and height must be multiples
// of 16, profileIDC must not be one of the profiles with chroma format
// fields (like 100).
func SPS(profileIDC uint8, width, height int) []byte {
	w := &bitWriter{}
	w.writeBits(uint32(profileIDC), 8)
	w.writeBits(0xc0, 8) // constraint_set0/1
	w.writeBits(30, 8)   // level_idc
	w.writeUE(0)         // seq_parameter_set_id
	w.writeUE(0)         // log2_max_frame_num_minus4
	w.writeUE(0)         // pic_order_cnt_type
	w.writeUE(0)         // log2_max_pic_order_cnt_lsb_minus4
	w.writeUE(1)         // max_num_ref_frames
	w.writeBit(0)        // gaps_in_frame_num_value_allowed_flag
	w.writeUE(uint32(width/16 - 1))
	w.writeUE(uint32(height/16 - 1))
	w.writeBit(1) // frame_mbs_only_flag
	w.writeBit(1) // direct_8x8_inference_flag
	w.writeBit(0) // frame_cropping_flag
	w.writeBit(0) // vui_parameters_present_flag
	return append([]byte{0x67}, addEmulationPrevention(w.finish())...)
}

// PPS returns a picture parameter set NAL unit.
func PPS() []byte {
	return []byte{0x68, 0xce, 0x3c, 0x80}
}

// IDRSlice returns an IDR slice NAL unit; its payload is filler.
func IDRSlice() []byte {
	return []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
}

// Slice returns a non-IDR slice NAL unit; its payload is filler.
func Slice() []byte {
	return []byte{0x41, 0x9a, 0x02, 0x04, 0xff}
}

// AnnexB joins the NAL units with 4-byte start codes.
func AnnexB(nalus ...[]byte) []byte {
	var result []byte
	for _, nalu := range nalus {
		result = append(result, 0, 0, 0, 1)
		result = append(result, nalu...)
	}
	return result
}

// AVCC joins the NAL units with 4-byte length prefixes.
func AVCC(nalus ...[]byte) []byte {
	var result []byte
	for _, nalu := range nalus {
		n := len(nalu)
		result = append(result, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		result = append(result, nalu...)
	}
	return result
}

// KeyFrame returns an access unit with the parameter sets and an IDR slice.
func KeyFrame(profileIDC uint8, width, height int) []byte {
	return AnnexB(SPS(profileIDC, width, height), PPS(), IDRSlice())
}
