package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

const (
	csvTimeLayout = "2006-01-02 15:04:05"
	dobLayout     = "2006-01-02"

	earthRadiusKm = 6371.0
)

// CardTransaction is one labelled row of the card-transaction dataset.
type CardTransaction struct {
	Time       time.Time
	CardNumber string
	Merchant   string
	Category   string
	Amount     float64
	Gender     string
	State      string
	Lat        float64
	Long       float64
	CityPop    float64
	DOB        time.Time
	MerchLat   float64
	MerchLong  float64
	IsFraud    bool
}

// PredictRequest mirrors the /predict body.
type PredictRequest struct {
	Amount      float64  `json:"amt"`
	Category    string   `json:"category"`
	Merchant    string   `json:"merchant"`
	CustomerAge int      `json:"customer_age"`
	State       string   `json:"state,omitempty"`
	CardNumber  string   `json:"cc_num,omitempty"`
	Gender      string   `json:"gender,omitempty"`
	CityPop     *float64 `json:"city_pop,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Long        *float64 `json:"long,omitempty"`
	MerchLat    *float64 `json:"merch_lat,omitempty"`
	MerchLong   *float64 `json:"merch_long,omitempty"`
	DistanceKm  *float64 `json:"distance_km,omitempty"`
	TxnHour     *int     `json:"txn_hour,omitempty"`
	IsWeekend   *int     `json:"is_weekend,omitempty"`
}

// parseRow maps a CSV record onto a CardTransaction using the header index.
func parseRow(record []string, col map[string]int) (CardTransaction, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	num := func(name string) float64 {
		v, _ := strconv.ParseFloat(get(name), 64)
		return v
	}

	ts, err := time.Parse(csvTimeLayout, get("trans_date_trans_time"))
	if err != nil {
		return CardTransaction{}, fmt.Errorf("trans_date_trans_time: %w", err)
	}
	amount, err := strconv.ParseFloat(get("amt"), 64)
	if err != nil {
		return CardTransaction{}, fmt.Errorf("amt: %w", err)
	}
	dob, err := time.Parse(dobLayout, get("dob"))
	if err != nil {
		return CardTransaction{}, fmt.Errorf("dob: %w", err)
	}

	return CardTransaction{
		Time:       ts,
		CardNumber: get("cc_num"),
		Merchant:   get("merchant"),
		Category:   get("category"),
		Amount:     amount,
		Gender:     get("gender"),
		State:      get("state"),
		Lat:        num("lat"),
		Long:       num("long"),
		CityPop:    num("city_pop"),
		DOB:        dob,
		MerchLat:   num("merch_lat"),
		MerchLong:  num("merch_long"),
		IsFraud:    get("is_fraud") == "1",
	}, nil
}

// haversineKm is the great-circle distance between two points on a sphere of
// earthRadiusKm. orb measures on its own radius, so the result is rescaled.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	meters := geo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
	return meters / orb.EarthRadius * earthRadiusKm
}

// ageAt returns completed years between dob and t.
func ageAt(dob, t time.Time) int {
	age := t.Year() - dob.Year()
	if t.Month() < dob.Month() || (t.Month() == dob.Month() && t.Day() < dob.Day()) {
		age--
	}
	return age
}

// toRequest derives the temporal, age and distance features for a row.
func (tx CardTransaction) toRequest() PredictRequest {
	hour := tx.Time.Hour()
	weekend := 0
	if wd := tx.Time.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = 1
	}
	distance := haversineKm(tx.Lat, tx.Long, tx.MerchLat, tx.MerchLong)

	age := ageAt(tx.DOB, tx.Time)
	if age < 18 {
		age = 18
	}
	if age > 120 {
		age = 120
	}

	req := PredictRequest{
		Amount:      tx.Amount,
		Category:    tx.Category,
		Merchant:    tx.Merchant,
		CustomerAge: age,
		CardNumber:  tx.CardNumber,
		CityPop:     &tx.CityPop,
		Lat:         &tx.Lat,
		Long:        &tx.Long,
		MerchLat:    &tx.MerchLat,
		MerchLong:   &tx.MerchLong,
		DistanceKm:  &distance,
		TxnHour:     &hour,
		IsWeekend:   &weekend,
	}
	if len(tx.State) == 2 {
		req.State = tx.State
	}
	if tx.Gender == "M" || tx.Gender == "F" {
		req.Gender = tx.Gender
	}
	return req
}
