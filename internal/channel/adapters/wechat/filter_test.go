package wechat

import "testing"

func TestFilterDropsSystemAccounts(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize config: %v", err)
	}
	f := newFilter(cfg)

	cases := []struct {
		origin string
		sender string
		want   bool
	}{
		{origin: "wxid_user", sender: "wxid_user", want: true},
		{origin: "gh_12345", sender: "", want: false},
		{origin: "weixin", sender: "", want: false},
		{origin: "filehelper", sender: "", want: false},
		{origin: "brandsessionholder", sender: "", want: false},
		{origin: "mphelper", sender: "", want: false},
		{origin: "weixinreminder", sender: "", want: false},
		{origin: "notification_messages", sender: "", want: false},
		{origin: "helper_entry", sender: "", want: false},
		{origin: "weibo", sender: "", want: false},
		{origin: "wxid_user", sender: "Tencent-Games", want: false},
		{origin: "wxid_user", sender: "wxpay_notice", want: false},
		{origin: "room@chatroom", sender: "wxid_user", want: true},
	}
	for _, tc := range cases {
		if got := f.Allow(tc.origin, tc.sender); got != tc.want {
			t.Fatalf("origin=%q sender=%q got=%v want=%v", tc.origin, tc.sender, got, tc.want)
		}
	}
}

func TestFilterWhitelistMode(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		IgnoreMode: IgnoreWhitelist,
		Whitelist:  []string{"room_a@chatroom", "wxid_friend"},
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize config: %v", err)
	}
	f := newFilter(cfg)

	if !f.Allow("room_a@chatroom", "wxid_any") {
		t.Fatal("whitelisted room should pass")
	}
	if !f.Allow("wxid_friend", "wxid_friend") {
		t.Fatal("whitelisted sender should pass")
	}
	if f.Allow("room_b@chatroom", "wxid_any") {
		t.Fatal("non-whitelisted room should be dropped")
	}
}

func TestFilterBlacklistMode(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		IgnoreMode: IgnoreBlacklist,
		Blacklist:  []string{"room_bad@chatroom"},
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize config: %v", err)
	}
	f := newFilter(cfg)

	if f.Allow("room_bad@chatroom", "wxid_any") {
		t.Fatal("blacklisted room should be dropped")
	}
	if !f.Allow("room_ok@chatroom", "wxid_any") {
		t.Fatal("other rooms should pass")
	}
}
