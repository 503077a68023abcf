package tsmux

import "fmt"

var adtsRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame returns an AAC-LC ADTS frame without CRC wrapping payload.
func ADTSFrame(sampleRate, channels int, payload []byte) ([]byte, error) {
	idx := -1
	for i, r := range adtsRates {
		if r == sampleRate {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("tsmux: no ADTS index for %d Hz", sampleRate)
	}
	if channels < 1 || channels > 7 {
		return nil, fmt.Errorf("tsmux: ADTS cannot carry %d channels", channels)
	}
	n := 7 + len(payload)
	if n > 0x1FFF {
		return nil, fmt.Errorf("tsmux: ADTS frame of %d bytes too long", n)
	}

	f := make([]byte, 7, n)
	f[0] = 0xFF
	f[1] = 0xF1 // MPEG-4, layer 0, no CRC
	f[2] = 1<<6 | byte(idx)<<2 | byte(channels>>2)&0x01
	f[3] = byte(channels&0x03)<<6 | byte(n>>11)&0x03
	f[4] = byte(n >> 3)
	f[5] = byte(n&0x07)<<5 | 0x1F
	f[6] = 0xFC
	return append(f, payload...), nil
}
