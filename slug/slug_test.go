package slug

import (
	"strings"
	"testing"
)

func TestMake(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"acct1", "acct1"},
		{"Shop One", "shop_one"},
		{"Café Déjà-Vu", "cafe_deja-vu"},
		{"The King's Lucky Shop", "the_king_s_lucky_shop"},
		{"  __leading and trailing__  ", "leading_and_trailing"},
		{"a///b\\\\c", "a_b_c"},
		{"..hidden..", "hidden"},
		{"", Unknown},
		{"!!!", Unknown},
		{"虾皮巴西", Unknown},
		{"虾皮 shop 巴西", "shop"},
		{"ｆｕｌｌｗｉｄｔｈ", "fullwidth"},
		{"v1.2_beta-3", "v1.2_beta-3"},
	}
	for _, tt := range tests {
		if got := Make(tt.in); got != tt.want {
			t.Errorf("Make(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMake_AlphabetAndNonEmpty(t *testing.T) {
	inputs := []string{
		"", " ", "\t\n", "Ünïcödé", "emoji 🚀 shop", "a\u0000b", "日本語のショップ",
		"semi;colon,comma", "slash/back\\slash", "__", "._.", "Ωmega", "ﬁligature",
	}
	for _, in := range inputs {
		got := Make(in)
		if got == "" {
			t.Errorf("Make(%q) returned empty", in)
		}
		if !Valid(got) {
			t.Errorf("Make(%q) = %q contains characters outside [a-z0-9._-]", in, got)
		}
		if strings.Contains(got, "__") {
			t.Errorf("Make(%q) = %q has uncollapsed underscores", in, got)
		}
	}
}

func TestMake_Idempotent(t *testing.T) {
	for _, in := range []string{"Shop One", "Café", "", "x__y", "A.B"} {
		once := Make(in)
		if twice := Make(once); twice != once {
			t.Errorf("Make(Make(%q)) = %q, want %q", in, twice, once)
		}
	}
}
