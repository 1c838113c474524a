package ghzdac

const (
	sramMask    = 0x3FFF
	sramShift   = 14
	triggerBits = 0xF << 28
)

// PackDAC converts DAC values to SRAM words for one channel.  Values are
// truncated to 14 bits; channel B occupies the upper field.
func PackDAC(values []int32, ch Channel) []uint32 {
	out := make([]uint32, len(values))
	shift := uint(0)
	if ch == ChannelB {
		shift = sramShift
	}
	for i, v := range values {
		out[i] = (uint32(v) & sramMask) << shift
	}
	return out
}

// PackIQ combines the I and Q DAC values into SRAM words.  I goes to DAC A
// unless iIsB is set.  The result is as long as the shorter input.
func PackIQ(i, q []int32, iIsB bool) []uint32 {
	n := len(i)
	if len(q) < n {
		n = len(q)
	}
	iShift, qShift := uint(0), uint(sramShift)
	if iIsB {
		iShift, qShift = qShift, iShift
	}
	out := make([]uint32, n)
	for k := 0; k < n; k++ {
		out[k] = (uint32(i[k])&sramMask)<<iShift | (uint32(q[k])&sramMask)<<qShift
	}
	return out
}

// UnpackIQ is the inverse of PackIQ.  Trigger bits are ignored.
func UnpackIQ(sram []uint32, iIsB bool) (i, q []int32) {
	a := make([]int32, len(sram))
	b := make([]int32, len(sram))
	for k, w := range sram {
		a[k] = signExtend(w & sramMask)
		b[k] = signExtend(w >> sramShift & sramMask)
	}
	if iIsB {
		return b, a
	}
	return a, b
}

func signExtend(v uint32) int32 {
	return int32(v<<18) >> 18
}

// AddTrigger sets the trigger bits of the first n words of sram in place
func AddTrigger(sram []uint32, n int) {
	if n > len(sram) {
		n = len(sram)
	}
	for k := 0; k < n; k++ {
		sram[k] |= triggerBits
	}
}
