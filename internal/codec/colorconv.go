package codec

import "image"

func newI420(w, h int) *image.YCbCr {
	return image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
}

// rgbaToI420 converts src into dst, which must have the same bounds and 4:2:0
// subsampling. BT.601 studio range, fixed-point. For 0-255 input Y stays in
// [16,235] and chroma in [16,240], so nothing is clamped. Chroma is taken
// from the top-left pixel of each 2x2 block.
func rgbaToI420(src *image.RGBA, dst *image.YCbCr) {
	b := src.Rect
	width, height := b.Dx(), b.Dy()

	w4 := width &^ 3
	for y := 0; y < height; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+width*4]
		yRow := dst.Y[y*dst.YStride : y*dst.YStride+width]

		x := 0
		for ; x < w4; x += 4 {
			pi := x * 4
			yRow[x] = byte((66*int(row[pi])+129*int(row[pi+1])+25*int(row[pi+2])+128)>>8 + 16)
			yRow[x+1] = byte((66*int(row[pi+4])+129*int(row[pi+5])+25*int(row[pi+6])+128)>>8 + 16)
			yRow[x+2] = byte((66*int(row[pi+8])+129*int(row[pi+9])+25*int(row[pi+10])+128)>>8 + 16)
			yRow[x+3] = byte((66*int(row[pi+12])+129*int(row[pi+13])+25*int(row[pi+14])+128)>>8 + 16)
		}
		for ; x < width; x++ {
			pi := x * 4
			yRow[x] = byte((66*int(row[pi])+129*int(row[pi+1])+25*int(row[pi+2])+128)>>8 + 16)
		}
	}

	for y := 0; y < height; y += 2 {
		row := src.Pix[y*src.Stride : y*src.Stride+width*4]
		off := (y / 2) * dst.CStride
		for x := 0; x < width; x += 2 {
			pi := x * 4
			r, g, bl := int(row[pi]), int(row[pi+1]), int(row[pi+2])
			dst.Cb[off+x/2] = byte((-38*r-74*g+112*bl+128)>>8 + 128)
			dst.Cr[off+x/2] = byte((112*r-94*g-18*bl+128)>>8 + 128)
		}
	}
}
