package normalize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/cable-ledger/normalize"
)

func TestKey(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"blank", "   ", ""},
		{"lower and trim", "  P1  ", "p1"},
		{"collapse spaces", "Site   A \t North", "site a north"},
		{"punctuation dropped", "Proj.A#1!", "proja1"},
		{"slash and parens kept", "Line(2)/East", "line(2)/east"},
		{"underscore dropped", "Proj_A", "proja"},
		{"hyphen dropped", "proj-a", "proja"},
		{"chinese temp prefix", "临时_光缆工程", "光缆工程"},
		{"chinese new prefix", "新建-基站A", "基站a"},
		{"english temp prefix", "TEMP_Site 9", "site 9"},
		{"english new prefix", "new-tower", "tower"},
		{"prefix stripped once", "temp_temp_x", "tempx"},
		{"full width folded", "ＰＲＯＪ（１）", "proj(1)"},
		{"full width space", "站点　一", "站点 一"},
		{"mixed cjk and latin", "  2024年 光缆-扩容(一期) ", "2024年 光缆扩容(一期)"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalize.Key(tc.in))
		})
	}
}

func TestKey_Idempotent(t *testing.T) {
	inputs := []string{
		"", "Proj_A", "proj-a", "临时_临时_X", "new_temp_x", "  A  B  ",
		"ＰＲＯＪ（１）", "İstanbul Hat", "áb", "___", "temp_", "新建-",
		"Task1", "SN-001/2", "(())//", "ｶﾀｶﾅ",
	}
	for _, in := range inputs {
		once := normalize.Key(in)
		assert.Equal(t, once, normalize.Key(once), "input %q", in)
	}
}

func TestEqual_PrefixAndCaseVariants(t *testing.T) {
	// Two PMS spellings of the same project
	assert.True(t, normalize.Equal("Proj_A", "proj-a"))
	assert.True(t, normalize.Equal("P1", " p1 "))
	// Internal spaces are significant
	assert.False(t, normalize.Equal("Task1", "TASK 1"))
	assert.False(t, normalize.Equal("P1", "P2"))
}
