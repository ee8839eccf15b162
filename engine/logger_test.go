package engine

import (
	"testing"
)

func Test_filteredLogger_Println(t *testing.T) {
	type args struct {
		v []interface{}
	}
	tests := []struct {
		name string
		args args
	}{
		{
			"1", args{v: []interface{}{"1", "shoud hide", "abcdef1234567890abcdef1234567890abcdef12"}},
		},
		{

			"2", args{v: []interface{}{"2", "shoud not hide", "1abcdef1234567890abcdef1234567890abcdef12"}},
		},
		{
			"3", args{v: []interface{}{"3", "not hex so not hidden", "zzzzzz1234567890abcdef1234567890abcdef12"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log.Println(tt.args.v...)
		})
	}
}

func Test_filteredArg(t *testing.T) {
	ih := "abcdef1234567890abcdef1234567890abcdef12"
	got := log.filteredArg(ih)
	if got[0] == ih {
		t.Error("40-hex infohash not shortened")
	}
	plain := "just a string"
	got = log.filteredArg(plain)
	if got[0] != plain {
		t.Errorf("plain string mangled: %v", got[0])
	}
}
