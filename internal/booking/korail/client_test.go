package korail

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/railwatch/railwatch/internal/booking"
)

func newFakeKorail(t *testing.T, handlers map[string]http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	for path, handler := range handlers {
		mux.HandleFunc(path, handler)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	return server, client
}

func loginSuccess(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("txtMemberNo") == "" || r.FormValue("txtPwd") == "" {
		http.Error(w, "missing credentials", http.StatusBadRequest)
		return
	}
	w.Write([]byte(`{"strResult":"SUCC","Key":"session-key"}`))
}

func TestLoginStoresSessionKey(t *testing.T) {
	var searchedKey string
	_, client := newFakeKorail(t, map[string]http.HandlerFunc{
		loginPath: loginSuccess,
		searchPath: func(w http.ResponseWriter, r *http.Request) {
			searchedKey = r.FormValue("Key")
			w.Write([]byte(`{"strResult":"SUCC","trn_infos":[]}`))
		},
	})
	ctx := context.Background()

	if err := client.Login(ctx, "member-1", "password"); err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	if _, err := client.Search(ctx, booking.Query{DepStation: "서울", ArrStation: "부산", Date: "20250601", TimeFloor: "060000"}); err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if searchedKey != "session-key" {
		t.Fatalf("expected session key forwarded, got %q", searchedKey)
	}
}

func TestLoginSurfacesRemoteRejection(t *testing.T) {
	_, client := newFakeKorail(t, map[string]http.HandlerFunc{
		loginPath: func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"strResult":"FAIL","h_msg_txt":"비밀번호 오류"}`))
		},
	})

	err := client.Login(context.Background(), "member-1", "wrong")
	if !errors.Is(err, booking.ErrCredentialsRejected) {
		t.Fatalf("expected credential rejection, got %v", err)
	}
}

func TestSearchRequiresLogin(t *testing.T) {
	_, client := newFakeKorail(t, nil)

	_, err := client.Search(context.Background(), booking.Query{DepStation: "서울", ArrStation: "부산", Date: "20250601", TimeFloor: "060000"})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestSearchMapsSeatCodesAndSoldOutTrains(t *testing.T) {
	_, client := newFakeKorail(t, map[string]http.HandlerFunc{
		loginPath: loginSuccess,
		searchPath: func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"strResult":"SUCC","trn_infos":[
				{"h_trn_no":"101","h_trn_clsf_nm":"KTX","h_dpt_rs_stn_nm":"서울","h_arv_rs_stn_nm":"부산","h_dpt_dt":"20250601","h_dpt_tm":"063000","h_arv_dt":"20250601","h_arv_tm":"090000","h_gen_rsv_cd":"11","h_rsv_psb_flg":"Y"},
				{"h_trn_no":"103","h_trn_clsf_nm":"KTX","h_dpt_rs_stn_nm":"서울","h_arv_rs_stn_nm":"부산","h_dpt_dt":"20250601","h_dpt_tm":"073000","h_arv_dt":"20250601","h_arv_tm":"100000","h_gen_rsv_cd":"15","h_rsv_psb_flg":"N"},
				{"h_trn_no":"105","h_trn_clsf_nm":"KTX","h_dpt_rs_stn_nm":"서울","h_arv_rs_stn_nm":"부산","h_dpt_dt":"20250601","h_dpt_tm":"083000","h_arv_dt":"20250601","h_arv_tm":"110000","h_gen_rsv_cd":"00","h_rsv_psb_flg":"N"}
			]}`))
		},
	})
	ctx := context.Background()

	if err := client.Login(ctx, "member-1", "password"); err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	trains, err := client.Search(ctx, booking.Query{DepStation: "서울", ArrStation: "부산", Date: "20250601", TimeFloor: "060000"})
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(trains) != 3 {
		t.Fatalf("expected sold-out trains included, got %d", len(trains))
	}

	reservable := trains[0]
	if !reservable.ReservePossible || reservable.GeneralSeat != booking.SeatLabelReservable {
		t.Fatalf("unexpected reservable mapping: %+v", reservable)
	}
	if reservable.DepTime != "20250601063000" {
		t.Fatalf("expected 14-digit departure stamp, got %q", reservable.DepTime)
	}

	standing := trains[1]
	if standing.ReservePossible || standing.GeneralSeat != booking.SeatLabelStandingMix {
		t.Fatalf("unexpected standing mapping: %+v", standing)
	}

	soldOut := trains[2]
	if soldOut.ReservePossible || soldOut.GeneralSeat != booking.SeatLabelSoldOut {
		t.Fatalf("unexpected sold-out mapping: %+v", soldOut)
	}
}

func TestReserveSendsSelectionFields(t *testing.T) {
	var gotForm map[string]string
	_, client := newFakeKorail(t, map[string]http.HandlerFunc{
		loginPath: loginSuccess,
		reservePath: func(w http.ResponseWriter, r *http.Request) {
			gotForm = map[string]string{
				"txtTrnNo":  r.FormValue("txtTrnNo"),
				"txtDptDt":  r.FormValue("txtDptDt"),
				"txtDptTm":  r.FormValue("txtDptTm"),
				"Key":       r.FormValue("Key"),
				"txtDptRs":  r.FormValue("txtDptRsStnNm"),
				"txtArvRs":  r.FormValue("txtArvRsStnNm"),
			}
			w.Write([]byte(`{"strResult":"SUCC"}`))
		},
	})
	ctx := context.Background()

	if err := client.Login(ctx, "member-1", "password"); err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	train := booking.Train{
		TrainNo: "101",
		DepDate: "20250601",
		DepTime: "20250601063000",
		DepName: "서울",
		ArrName: "부산",
	}
	if err := client.Reserve(ctx, train); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}
	if gotForm["txtTrnNo"] != "101" || gotForm["txtDptTm"] != "063000" || gotForm["Key"] != "session-key" {
		t.Fatalf("unexpected reservation form: %v", gotForm)
	}
	if gotForm["txtDptRs"] != "서울" || gotForm["txtArvRs"] != "부산" {
		t.Fatalf("unexpected station fields: %v", gotForm)
	}
}
