package util_test

import (
	"fmt"
	"testing"

	"github.com/ghzlab/dacal/util"
)

func ExampleSubMuxSanitize() {
	fmt.Println(util.SubMuxSanitize("omc/ghzcal/*"))
	// Output: /omc/ghzcal
}

func TestUniqueString(t *testing.T) {
	inp := []string{"a", "b", "c", "a"}
	expected := []string{"a", "b", "c"}
	output := util.UniqueString(inp)
	if len(output) != len(expected) {
		t.Fatalf("expected %d unique strings, got %d", len(expected), len(output))
	}
	for i := 0; i < len(output); i++ {
		if output[i] != expected[i] {
			t.Errorf("expected %s got %s", expected[i], output[i])
		}
	}
}

func TestIntSliceToCSV(t *testing.T) {
	inp := []int32{1, -2, 3}
	expected := "1,-2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestParseKeyValue(t *testing.T) {
	k, v, ok := util.ParseKeyValue("Setup type =DAC A -> mixer I, DAC B -> mixer Q")
	if !ok || k != "Setup type" || v != "DAC A -> mixer I, DAC B -> mixer Q" {
		t.Errorf("unexpected split %q %q %v", k, v, ok)
	}
	if _, _, ok := util.ParseKeyValue("novalue"); ok {
		t.Error("expected no split without '='")
	}
}
