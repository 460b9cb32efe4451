package profile

import "testing"

func TestResolveFallsBackToMedium(t *testing.T) {
	got := Resolve("ultra-mega")
	want := Resolve(TierMedium)
	if got != want {
		t.Fatalf("unknown tier resolved to %+v, want medium params", got)
	}
}

func TestCapsNonDecreasingAcrossTiers(t *testing.T) {
	order := Ordered()
	for i := 1; i < len(order); i++ {
		lo := Resolve(order[i-1])
		hi := Resolve(order[i])
		if hi.MaxFeatures < lo.MaxFeatures {
			t.Errorf("%s MaxFeatures %d < %s %d", order[i], hi.MaxFeatures, order[i-1], lo.MaxFeatures)
		}
		if hi.MaxImageSize < lo.MaxImageSize {
			t.Errorf("%s MaxImageSize %d < %s %d", order[i], hi.MaxImageSize, order[i-1], lo.MaxImageSize)
		}
		if hi.MaxMatches < lo.MaxMatches {
			t.Errorf("%s MaxMatches %d < %s %d", order[i], hi.MaxMatches, order[i-1], lo.MaxMatches)
		}
		if hi.MaxFrames < lo.MaxFrames {
			t.Errorf("%s MaxFrames %d < %s %d", order[i], hi.MaxFrames, order[i-1], lo.MaxFrames)
		}
		// Triangulation gets more permissive, never stricter.
		if hi.MaxReprojError < lo.MaxReprojError {
			t.Errorf("%s MaxReprojError %f < %s %f", order[i], hi.MaxReprojError, order[i-1], lo.MaxReprojError)
		}
		if hi.MinTriAngle > lo.MinTriAngle {
			t.Errorf("%s MinTriAngle %f > %s %f", order[i], hi.MinTriAngle, order[i-1], lo.MinTriAngle)
		}
	}
}

func TestLowTierSkipsDense(t *testing.T) {
	if Resolve(TierLow).DenseEnabled {
		t.Fatal("low tier should not enable dense reconstruction")
	}
	if !Resolve(TierHigh).DenseEnabled {
		t.Fatal("high tier should enable dense reconstruction")
	}
}
