// Package korail implements booking.Provider against the Korail HTTP API.
package korail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/railwatch/railwatch/internal/booking"
)

const (
	defaultBaseURL = "https://smart.letskorail.com/classes/com.korail.mobile"
	defaultTimeout = 10 * time.Second

	loginPath   = "/login.Login"
	searchPath  = "/seatMovie.ScheduleView"
	reservePath = "/certification.TicketReservation"
)

var (
	// ErrNotAuthenticated indicates search or reserve before a successful login.
	ErrNotAuthenticated = errors.New("korail: login required")
	// ErrRemoteRejected carries the booking system's own failure message.
	ErrRemoteRejected = errors.New("korail: request rejected")
)

// ClientConfig configures the HTTP provider.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the Korail mobile endpoints and keeps the session key
// obtained at login.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessionKey string
}

// NewClient constructs a provider with sane defaults.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

type loginResponse struct {
	Result     string `json:"strResult"`
	SessionKey string `json:"Key"`
	Message    string `json:"h_msg_txt"`
}

// Login authenticates the member and stores the session key for later calls.
func (c *Client) Login(ctx context.Context, memberID, password string) error {
	if strings.TrimSpace(memberID) == "" || password == "" {
		return fmt.Errorf("%w: empty credentials", booking.ErrCredentialsRejected)
	}
	form := url.Values{}
	form.Set("txtMemberNo", memberID)
	form.Set("txtPwd", password)

	var decoded loginResponse
	if err := c.postForm(ctx, loginPath, form, &decoded); err != nil {
		return err
	}
	if decoded.Result != "SUCC" {
		return fmt.Errorf("%w: %s", booking.ErrCredentialsRejected, decoded.Message)
	}
	c.sessionKey = decoded.SessionKey
	return nil
}

type scheduleResponse struct {
	Result  string `json:"strResult"`
	Message string `json:"h_msg_txt"`
	Trains  []struct {
		TrainNo       string `json:"h_trn_no"`
		TrainTypeName string `json:"h_trn_clsf_nm"`
		DepName       string `json:"h_dpt_rs_stn_nm"`
		ArrName       string `json:"h_arv_rs_stn_nm"`
		DepDate       string `json:"h_dpt_dt"`
		DepTime       string `json:"h_dpt_tm"`
		ArrDate       string `json:"h_arv_dt"`
		ArrTime       string `json:"h_arv_tm"`
		GeneralSeat   string `json:"h_gen_rsv_cd"`
		ReserveFlag   string `json:"h_rsv_psb_flg"`
	} `json:"trn_infos"`
}

// Search lists trains departing at or after the query's time floor,
// including sold-out ones.
func (c *Client) Search(ctx context.Context, query booking.Query) ([]booking.Train, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if c.sessionKey == "" {
		return nil, ErrNotAuthenticated
	}
	form := url.Values{}
	form.Set("txtGoStart", query.DepStation)
	form.Set("txtGoEnd", query.ArrStation)
	form.Set("txtGoAbrdDt", query.Date)
	form.Set("txtGoHour", query.TimeFloor)
	form.Set("Key", c.sessionKey)

	var decoded scheduleResponse
	if err := c.postForm(ctx, searchPath, form, &decoded); err != nil {
		return nil, err
	}
	if decoded.Result != "SUCC" {
		return nil, fmt.Errorf("%w: %s", ErrRemoteRejected, decoded.Message)
	}

	trains := make([]booking.Train, 0, len(decoded.Trains))
	for _, raw := range decoded.Trains {
		reservable := raw.ReserveFlag == "Y" && raw.GeneralSeat == booking.SeatCodeReservable
		trains = append(trains, booking.Train{
			TrainNo:         raw.TrainNo,
			TrainName:       strings.TrimSpace(raw.TrainTypeName + " " + raw.TrainNo),
			DepName:         raw.DepName,
			ArrName:         raw.ArrName,
			DepDate:         raw.DepDate,
			DepTime:         raw.DepDate + raw.DepTime,
			ArrTime:         raw.ArrDate + raw.ArrTime,
			GeneralSeat:     booking.SeatLabel(raw.GeneralSeat, raw.ReserveFlag == "Y"),
			ReservePossible: reservable,
		})
	}
	return trains, nil
}

type reserveResponse struct {
	Result  string `json:"strResult"`
	Message string `json:"h_msg_txt"`
}

// Reserve books the general-car seat on the given train.
func (c *Client) Reserve(ctx context.Context, train booking.Train) error {
	if c.sessionKey == "" {
		return ErrNotAuthenticated
	}
	form := url.Values{}
	form.Set("txtTrnNo", train.TrainNo)
	form.Set("txtDptDt", train.DepDate)
	form.Set("txtDptTm", train.DepTimeOfDay())
	form.Set("txtDptRsStnNm", train.DepName)
	form.Set("txtArvRsStnNm", train.ArrName)
	form.Set("Key", c.sessionKey)

	var decoded reserveResponse
	if err := c.postForm(ctx, reservePath, form, &decoded); err != nil {
		return err
	}
	if decoded.Result != "SUCC" {
		return fmt.Errorf("%w: %s", ErrRemoteRejected, decoded.Message)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+path,
		bytes.NewBufferString(form.Encode()),
	)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrRemoteRejected, response.StatusCode)
	}
	return json.NewDecoder(response.Body).Decode(out)
}
