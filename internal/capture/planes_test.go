package capture

import "testing"

func TestPlaneCount(t *testing.T) {
	cases := map[PixelFormat]int{
		PixelUnknown: 0,
		PixelBGRA32:  1,
		PixelRGB24:   1,
		PixelI420:    3,
		PixelNV12:    2,
		PixelNV21:    2,
	}
	for format, want := range cases {
		if got := PlaneCount(format); got != want {
			t.Errorf("PlaneCount(%s) = %d, want %d", format, got, want)
		}
	}
}

func TestDerivePlanesPacked(t *testing.T) {
	planes := DerivePlanes(PixelBGRA32, 1920, 1080, 0x1000, 0)
	if len(planes) != 1 {
		t.Fatalf("expected 1 plane, got %d", len(planes))
	}
	p := planes[0]
	if p.Stride != 1920*4 {
		t.Errorf("stride = %d, want %d", p.Stride, 1920*4)
	}
	if p.Ptr != 0x1000 {
		t.Errorf("ptr = %#x, want 0x1000", p.Ptr)
	}
	if TotalSize(planes) != 1920*1080*4 {
		t.Errorf("TotalSize = %d, want %d", TotalSize(planes), 1920*1080*4)
	}
}

func TestDerivePlanesI420ChromaSubsampling(t *testing.T) {
	planes := DerivePlanes(PixelI420, 1920, 1080, 0x1000, 0)
	if len(planes) != 3 {
		t.Fatalf("expected 3 planes, got %d", len(planes))
	}
	y, u, v := planes[0], planes[1], planes[2]
	if y.Width != 1920 || y.Height != 1080 {
		t.Errorf("Y plane = %dx%d, want 1920x1080", y.Width, y.Height)
	}
	if u.Width != 960 || u.Height != 540 {
		t.Errorf("U plane = %dx%d, want 960x540", u.Width, u.Height)
	}
	if v.Width != 960 || v.Height != 540 {
		t.Errorf("V plane = %dx%d, want 960x540", v.Width, v.Height)
	}

	// Planes are laid out contiguously: each plane's offset is the sum of
	// every preceding plane's total byte size.
	ySize := y.Stride * y.Height
	if u.Offset != uintptr(ySize) {
		t.Errorf("U offset = %d, want %d", u.Offset, ySize)
	}
	uSize := u.Stride * u.Height
	if v.Offset != uintptr(ySize+uSize) {
		t.Errorf("V offset = %d, want %d", v.Offset, ySize+uSize)
	}

	want := ySize + uSize + v.Stride*v.Height
	if got := TotalSize(planes); got != want {
		t.Errorf("TotalSize = %d, want %d", got, want)
	}
}

func TestDerivePlanesGPUZeroBase(t *testing.T) {
	// base == 0 means GPU content: Ptr must stay 0 even though Offset is
	// non-zero, since the real resource lives in the release payload, not
	// at a host address.
	planes := DerivePlanes(PixelNV12, 640, 480, 0, 0)
	for i, p := range planes {
		if p.Ptr != 0 {
			t.Errorf("plane %d Ptr = %#x, want 0 for GPU content", i, p.Ptr)
		}
	}
}

func TestDerivePlanesUnknownFormatFallback(t *testing.T) {
	planes := DerivePlanes(PixelMJPEG, 640, 480, 0x2000, 0)
	if len(planes) != 1 {
		t.Fatalf("expected 1 fallback plane, got %d", len(planes))
	}
	if planes[0].Stride != 640*4 {
		t.Errorf("fallback stride = %d, want %d", planes[0].Stride, 640*4)
	}
}
