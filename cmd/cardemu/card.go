package main

import (
	"github.com/hexdigest/cardemu/emv"
)

//newProfile never fails: with invalid swipe data the card is served anyway
//and READ RECORD is answered 6F00 until the configuration is fixed
func newProfile(swipeData string, lg logger) *emv.Profile {
	profile, err := emv.NewProfile(swipeData)
	if err != nil {
		lg.Printf("card is not configured: %v\n", err)
		return profile
	}

	logCard(profile, lg)

	return profile
}

func reconfigure(profile *emv.Profile, swipeData string, lg logger) {
	if err := profile.Configure(swipeData); err != nil {
		lg.Printf("card is not configured: %v\n", err)
		return
	}

	logCard(profile, lg)
}

func logCard(profile *emv.Profile, lg logger) {
	card := profile.Card()
	if card == nil {
		lg.Printf("card configured, track 2 has no expiration date\n")
		return
	}

	lg.Printf("card configured: %s %02d/%02d\n", card.PAN, card.ExpMonth, card.ExpYear)
}
