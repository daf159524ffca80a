package system

import (
	"image"
	"testing"
)

func TestImagePoolClearsReusedFrames(t *testing.T) {
	p := NewImagePool()
	rect := image.Rect(0, 0, 4, 4)

	img := p.Get(rect)
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	p.Put(img)

	again := p.Get(rect)
	if again.Rect != rect {
		t.Fatalf("bounds = %v", again.Rect)
	}
	for i, v := range again.Pix {
		if v != 0 {
			t.Fatalf("pix[%d] = %d, frame not cleared", i, v)
		}
	}
}

func TestImagePoolIgnoresForeignSizes(t *testing.T) {
	p := NewImagePool()
	p.Put(image.NewRGBA(image.Rect(0, 0, 3, 3)))
	p.Put(nil)
	if len(p.pools) != 0 {
		t.Errorf("Put must not create pools, got %d", len(p.pools))
	}
}

func TestSnapshot(t *testing.T) {
	st, err := Snapshot()
	if err != nil {
		t.Skipf("host stats unavailable: %v", err)
	}
	if st.Goroutines == 0 || st.CPUs == 0 || st.ProcessRSS == 0 {
		t.Errorf("incomplete snapshot: %+v", st)
	}
}

func TestMiB(t *testing.T) {
	if got := MiB(3 << 20); got != "3.0 MiB" {
		t.Errorf("MiB = %q", got)
	}
}
