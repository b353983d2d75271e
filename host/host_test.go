package host

import "testing"

func TestPolicyVersionsHighestFirst(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		want   []int
	}{
		{"none allowed", Policy{}, nil},
		{"v2 only", Policy{AllowV2: true}, []int{2}},
		{"v3 only", Policy{AllowV3: true}, []int{3}},
		{"v4 only", Policy{AllowV4: true}, []int{4}},
		{"all three", Policy{AllowV2: true, AllowV3: true, AllowV4: true}, []int{4, 3, 2}},
		{"v2 and v4, no v3", Policy{AllowV2: true, AllowV4: true}, []int{4, 2}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.policy.Versions()
			if len(got) != len(c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("got %v, want %v", got, c.want)
				}
			}
		})
	}
}

func TestNopNotifierSatisfiesNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	n.GoneSecure("peer", [8]byte{})
	n.GoneInsecure("peer")
	n.Finished("peer")
	n.SMPRequested("peer", "question")
	n.SMPSucceeded("peer")
	n.SMPFailed("peer")
	n.FingerprintSeen("peer", [20]byte{})
	n.MultipleInstancesDetected("peer")
	n.UnreadableMessageReceived("peer")
	n.UnencryptedMessageReceived("peer", "message")
}
