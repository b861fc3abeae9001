package jobscript

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParamSetSetKeepsPosition(t *testing.T) {
	ps := Params("model", "UNet", "batch_size", 16, "loss", "FocalLoss")
	next := ps.Set("model", "SegNet").Set("img_size", "256")
	if got := strings.Join(next.Names(), ","); got != "model,batch_size,loss,img_size" {
		t.Fatalf("Names()=%s", got)
	}
	if v, _ := next.Get("model"); v != "SegNet" {
		t.Fatalf("model=%s", v)
	}
	if v, _ := ps.Get("model"); v != "UNet" {
		t.Fatalf("Set mutated the receiver")
	}
}

func TestParamSetMerge(t *testing.T) {
	base := Params("model", "UNet", "loss", "FocalLoss")
	merged := base.Merge(Params("loss", "WeightedCrossEntropyLoss", "nepochs", 100))
	if got := Flags(merged); got != "--model UNet --loss WeightedCrossEntropyLoss --nepochs 100" {
		t.Fatalf("Flags()=%q", got)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{16, "16"},
		{0.0001, "0.0001"},
		{0.001, "0.001"},
		{1e-7, "1e-07"},
		{"5a", "5a"},
		{true, "true"},
	}
	for _, tc := range cases {
		if got := FormatValue(tc.in); got != tc.want {
			t.Fatalf("FormatValue(%v)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParamSetYAMLKeepsOrderAndSpelling(t *testing.T) {
	doc := `
model: UNet
batch_size: 16
weight_decay: 0.0001
areas_train: [1, 2, 3, 4, 6]
areas_test: 5a
loss: FocalLoss
`
	var ps ParamSet
	if err := yaml.Unmarshal([]byte(doc), &ps); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := "--model UNet --batch_size 16 --weight_decay 0.0001 --areas_train 1 2 3 4 6 --areas_test 5a --loss FocalLoss"
	if got := Flags(ps); got != want {
		t.Fatalf("Flags()=%q\nwant     %q", got, want)
	}
}

func TestParamSetYAMLErrors(t *testing.T) {
	for _, doc := range []string{
		"- a\n- b\n",
		"model: UNet\nmodel: SegNet\n",
		"model:\n",
		"model: {name: UNet}\n",
	} {
		var ps ParamSet
		if err := yaml.Unmarshal([]byte(doc), &ps); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}

func TestParamSetYAMLRoundTrip(t *testing.T) {
	ps := Params("model", "UNet", "base_lr", 0.001)
	out, err := yaml.Marshal(ps)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "model: UNet\nbase_lr: \"0.001\"\n" && string(out) != "model: UNet\nbase_lr: 0.001\n" {
		t.Fatalf("unexpected YAML:\n%s", out)
	}
}

func TestParamSetJSONKeepsOrder(t *testing.T) {
	ps := Params("model", "UNet", "batch_size", 16, "areas_test", "5a")
	out, err := json.Marshal(ps)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"model":"UNet","batch_size":"16","areas_test":"5a"}` {
		t.Fatalf("json=%s", out)
	}
}
