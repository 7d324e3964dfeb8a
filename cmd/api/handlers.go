package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"freightflow/auth"
	"freightflow/offer"
	"freightflow/shipment"
)

type offerResponse struct {
	ID         string `json:"id"`
	ShipmentID string `json:"shipmentId"`
	CarrierID  string `json:"carrierId"`
	PriceCents int64  `json:"priceCents"`
	Message    string `json:"message,omitempty"`
	Status     string `json:"status"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

func toOfferResponse(o offer.Offer) offerResponse {
	return offerResponse{
		ID:         o.ID,
		ShipmentID: o.ShipmentID,
		CarrierID:  o.CarrierID,
		PriceCents: o.PriceCents,
		Message:    o.Message,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type shipmentResponse struct {
	ID              string  `json:"id"`
	ShipperID       string  `json:"shipperId"`
	Status          string  `json:"status"`
	AcceptedOfferID *string `json:"acceptedOfferId"`
	CreatedAt       string  `json:"createdAt"`
}

func toShipmentResponse(s shipment.Shipment) shipmentResponse {
	return shipmentResponse{
		ID:              s.ID,
		ShipperID:       s.ShipperID,
		Status:          string(s.Status),
		AcceptedOfferID: s.AcceptedOfferID,
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type acceptResponse struct {
	Status          string   `json:"status"`
	OfferID         string   `json:"offerId"`
	ShipmentID      string   `json:"shipmentId"`
	HoldID          *string  `json:"holdId"`
	AlreadyAccepted bool     `json:"alreadyAccepted,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

type transitionResponse struct {
	Status string        `json:"status"`
	Offer  offerResponse `json:"offer"`
}

type submitOfferRequest struct {
	PriceCents int64  `json:"priceCents"`
	Message    string `json:"message"`
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func (s *Server) handleCreateShipment(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shipmentService.Create(r.Context(), principal(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShipmentResponse(sh))
}

func (s *Server) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shipmentService.Get(r.Context(), chi.URLParam(r, "shipmentID"), principal(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toShipmentResponse(sh))
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req submitOfferRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}

	o, err := s.offerService.Submit(r.Context(), offer.SubmitParams{
		ShipmentID: chi.URLParam(r, "shipmentID"),
		PriceCents: req.PriceCents,
		Message:    strings.TrimSpace(req.Message),
	}, principal(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferResponse(o))
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	res, err := s.offerService.Accept(r.Context(), chi.URLParam(r, "offerID"), principal(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptResponse{
		Status:          "accepted",
		OfferID:         res.Offer.ID,
		ShipmentID:      res.Offer.ShipmentID,
		HoldID:          res.HoldID,
		AlreadyAccepted: res.AlreadyAccepted,
		Warnings:        res.Warnings,
	})
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.offerService.Reject(r.Context(), chi.URLParam(r, "offerID"), principal(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Status: "rejected", Offer: toOfferResponse(o)})
}

func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.offerService.Withdraw(r.Context(), chi.URLParam(r, "offerID"), principal(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Status: "withdrawn", Offer: toOfferResponse(o)})
}
