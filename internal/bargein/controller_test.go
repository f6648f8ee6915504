package bargein

import "testing"

func TestObserveRequiresArming(t *testing.T) {
	c := New(Config{MinRunes: 6})
	if c.Observe("please stop talking now") {
		t.Fatal("trigger fired while disarmed")
	}
	c.SetActive(true)
	if !c.Observe("please stop talking now") {
		t.Fatal("expected trigger while armed")
	}
}

func TestObserveThreshold(t *testing.T) {
	c := New(Config{MinRunes: 6})
	c.SetActive(true)
	if c.Observe("hm") {
		t.Fatal("short noise should not trigger")
	}
	if c.Observe("uh the a") {
		t.Fatal("stopword-only speech should not trigger")
	}
	if !c.Observe("actually wait") {
		t.Fatal("qualifying speech should trigger")
	}
}

func TestObserveFiresOncePerArmedPeriod(t *testing.T) {
	c := New(Config{MinRunes: 4})
	c.SetActive(true)
	if !c.Observe("hold on") {
		t.Fatal("first qualifying interim should trigger")
	}
	if c.Observe("hold on please") {
		t.Fatal("trigger must latch until re-armed")
	}
	c.SetActive(false)
	c.SetActive(true)
	if !c.Observe("hold on again") {
		t.Fatal("re-arming should allow a new trigger")
	}
}

func TestObserveDiscountsEcho(t *testing.T) {
	c := New(Config{MinRunes: 6})
	c.SetActive(true)
	c.NotifySpokenText("The weather today is sunny and warm.")
	if c.Observe("weather today sunny") {
		t.Fatal("echoed agent speech should not trigger")
	}
	if !c.Observe("weather no tell me something else") {
		t.Fatal("new speech mixed with echo should trigger")
	}
}
