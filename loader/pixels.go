package loader

// Premultiply multiplies the RGB channels of packed RGBA pixels by their
// alpha in place: c' = round(c * a / 255), rounding half up. Alpha is unchanged.
func Premultiply(pix []byte) {
	for i := 0; i+3 < len(pix); i += 4 {
		a := uint32(pix[i+3])
		if a == 255 {
			continue
		}
		pix[i] = premul(pix[i], a)
		pix[i+1] = premul(pix[i+1], a)
		pix[i+2] = premul(pix[i+2], a)
	}
}

// floor(c*a/255 + 1/2) in integers
func premul(c uint8, a uint32) uint8 {
	return uint8((2*uint32(c)*a + 255) / 510)
}

// ForceOpaque sets the alpha of every packed RGBA pixel to 255.
func ForceOpaque(pix []byte) {
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 255
	}
}
