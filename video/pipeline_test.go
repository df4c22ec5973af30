package video

import "testing"

// buildSyntheticSymbol draws three finder patterns positioned so the true
// outer corners of the encoded symbol sit at (50,50)-(134,134): a 21-module
// QR symbol at 4px/module, matching a 28px finder width (7 modules x 4px).
func buildSyntheticSymbol() []byte {
	luma := blankCanvas(FrameWidth, FrameHeight)
	drawFinder(luma, FrameWidth, 50, 50, 4)
	drawFinder(luma, FrameWidth, 106, 50, 4)
	drawFinder(luma, FrameWidth, 50, 106, 4)
	return luma
}

func TestPipelineProcessRecoversModuleCountAndGeometry(t *testing.T) {
	luma := buildSyntheticSymbol()
	p := NewPipeline(NopDecoder{})

	result, err := p.Process(luma, FrameWidth, FrameHeight)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.ModuleCount != 21 {
		t.Fatalf("ModuleCount = %d, want 21", result.ModuleCount)
	}
	if result.FinderWidth < 27 || result.FinderWidth > 29 {
		t.Fatalf("FinderWidth = %v, want ~28", result.FinderWidth)
	}
}

func TestPipelineProcessFailsWithFewerThanThreeFinders(t *testing.T) {
	luma := blankCanvas(FrameWidth, FrameHeight)
	drawFinder(luma, FrameWidth, 50, 50, 4)
	drawFinder(luma, FrameWidth, 106, 50, 4)

	p := NewPipeline(NopDecoder{})
	if _, err := p.Process(luma, FrameWidth, FrameHeight); err == nil {
		t.Fatal("Process with two finders: err = nil, want error")
	}
}

func TestPipelineProcessPropagatesDecoderResult(t *testing.T) {
	luma := buildSyntheticSymbol()
	p := NewPipeline(NopDecoder{})

	result, err := p.Process(luma, FrameWidth, FrameHeight)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Payload != "" {
		t.Fatalf("Payload = %q, want empty (NopDecoder never decodes)", result.Payload)
	}
}

func TestPipelineProcessOnEmptyFrameFails(t *testing.T) {
	luma := blankCanvas(FrameWidth, FrameHeight)
	p := NewPipeline(NopDecoder{})
	if _, err := p.Process(luma, FrameWidth, FrameHeight); err == nil {
		t.Fatal("Process on a blank frame: err = nil, want error")
	}
}
