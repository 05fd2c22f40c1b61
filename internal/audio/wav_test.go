package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	gotPCM, gotSR, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	wav := encodeWAV16Stereo(t, stereo, RealtimeSampleRate)
	gotPCM, gotSR, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if gotSR != RealtimeSampleRate {
		t.Fatalf("sampleRate = %d, want %d", gotSR, RealtimeSampleRate)
	}
	if len(gotPCM) != 4 {
		t.Fatalf("len(gotPCM) = %d, want 4", len(gotPCM))
	}
	s1 := int16(binary.LittleEndian.Uint16(gotPCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(gotPCM[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix samples = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVPCM16RejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAVPCM16([]byte("not a wav file at all")); err == nil {
		t.Fatal("expected error for non-wav input")
	}
}

func TestWriteWAVPCM16LEFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	pcm := []byte{0x01, 0x00, 0x02, 0x00}
	if err := WriteWAVPCM16LEFile(path, pcm, 0); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, sr, err := DecodeWAVPCM16(data)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if sr != RealtimeSampleRate || !bytes.Equal(got, pcm) {
		t.Fatalf("got sr=%d pcm=%v", sr, got)
	}
}

func TestChunkPCM16(t *testing.T) {
	// 10ms at 1kHz is 10 samples = 20 bytes.
	pcm := make([]byte, 45)
	chunks := ChunkPCM16(pcm, 1000, 10)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 20 || len(chunks[1]) != 20 || len(chunks[2]) != 4 {
		t.Fatalf("chunk sizes = %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if got := ChunkPCM16(nil, 1000, 10); len(got) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(got))
	}
}

func encodeWAV16Stereo(t *testing.T, stereoPCM []byte, sampleRate int) []byte {
	t.Helper()
	if len(stereoPCM)%4 != 0 {
		t.Fatalf("stereoPCM length must be multiple of 4, got %d", len(stereoPCM))
	}
	dataSize := uint32(len(stereoPCM))
	byteRate := uint32(sampleRate * 2 * 16 / 8)
	blockAlign := uint16(2 * 16 / 8)

	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36)+dataSize)
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(2)) // stereo
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, byteRate)
	_ = binary.Write(&b, binary.LittleEndian, blockAlign)
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, dataSize)
	b.Write(stereoPCM)
	return b.Bytes()
}
